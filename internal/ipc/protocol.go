package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/match"
	"github.com/network-dmenu/zoned/internal/store"
)

// Request kinds.
const (
	KindStatus      = "Status"
	KindCurrentZone = "CurrentZone"
	KindListZones   = "ListZones"
	KindCreateZone  = "CreateZone"
	KindUpdateZone  = "UpdateZone"
	KindDeleteZone  = "DeleteZone"
	KindSampleZone  = "SampleZone"
	KindWhereAmI    = "WhereAmI"
	KindHistory     = "History"
	KindStop        = "Stop"
)

// Response kinds.
const (
	RespStatus   = "Status"
	RespZone     = "Zone"
	RespZones    = "Zones"
	RespUnknown  = "Unknown"
	RespWhereAmI = "WhereAmI"
	RespHistory  = "History"
	RespOk       = "Ok"
	RespError    = "Error"
)

// Error codes carried in Error responses.
const (
	CodeNotFound        = "NotFound"
	CodeDuplicateName   = "DuplicateName"
	CodeInvalidRequest  = "InvalidRequest"
	CodeScanUnavailable = "ScanUnavailable"
	CodeDecodeFailed    = "DecodeFailed"
	CodeFrameTooLarge   = "FrameTooLarge"
	CodeInternal        = "Internal"
)

// Request is the single request envelope; Kind selects the operation and
// decides which other fields are meaningful.
type Request struct {
	Kind string `json:"kind"`

	// Name names the zone for CreateZone.
	Name string `json:"name,omitempty"`

	// ID selects the zone for UpdateZone, DeleteZone, SampleZone.
	ID string `json:"id,omitempty"`

	// Actions and Threshold parameterize CreateZone.
	Actions   *action.Plan `json:"actions,omitempty"`
	Threshold *float64     `json:"threshold,omitempty"`

	// Samples seeds CreateZone; when absent the daemon captures the
	// current fingerprint.
	Samples []fingerprint.Fingerprint `json:"samples,omitempty"`

	// Patch carries the partial update for UpdateZone.
	Patch *Patch `json:"patch,omitempty"`
}

// Patch is the wire form of a partial zone update.
type Patch struct {
	Name      *string      `json:"name,omitempty"`
	Threshold *float64     `json:"threshold,omitempty"`
	Actions   *action.Plan `json:"actions,omitempty"`
}

// DaemonStatus is the Status response payload.
type DaemonStatus struct {
	Version          string            `json:"version"`
	State            string            `json:"state"`
	CurrentZoneID    string            `json:"current_zone_id,omitempty"`
	CurrentZoneName  string            `json:"current_zone_name,omitempty"`
	LastTransitionAt *time.Time        `json:"last_transition_at,omitempty"`
	ScanIntervalMS   int               `json:"scan_interval_ms"`
	LastScanAt       *time.Time        `json:"last_scan_at,omitempty"`
	LastScore        float64           `json:"last_score"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	ZoneCount        int               `json:"zone_count"`
	LastPlan         *store.PlanReport `json:"last_plan,omitempty"`
}

// WhereAmIReport is the WhereAmI response payload: the raw fingerprint
// plus every zone's score.
type WhereAmIReport struct {
	Fingerprint fingerprint.Fingerprint `json:"fp"`
	Scores      []match.Candidate       `json:"scores"`
}

// Response is the single response envelope. Kind is always set; errors
// use Kind=Error with Code and Message.
type Response struct {
	Kind string `json:"kind"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Status   *DaemonStatus        `json:"status,omitempty"`
	Zone     *store.Zone          `json:"zone,omitempty"`
	Zones    []*store.Zone        `json:"zones,omitempty"`
	WhereAmI *WhereAmIReport      `json:"where_am_i,omitempty"`
	History  []store.HistoryEntry `json:"history,omitempty"`
}

// Errorf builds an Error response.
func Errorf(code, format string, args ...any) Response {
	return Response{
		Kind:    RespError,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorResponse maps a daemon-side error to an Error response, picking
// the code from the store sentinel errors.
func ErrorResponse(err error) Response {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Errorf(CodeNotFound, "%s", err)
	case errors.Is(err, store.ErrDuplicateName):
		return Errorf(CodeDuplicateName, "%s", err)
	case errors.Is(err, store.ErrNoFingerprints),
		errors.Is(err, store.ErrInvalidThreshold),
		errors.Is(err, store.ErrReservedName):
		return Errorf(CodeInvalidRequest, "%s", err)
	default:
		return Errorf(CodeInternal, "%s", err)
	}
}

// Err converts an Error response into a Go error; nil for other kinds.
func (r Response) Err() error {
	if r.Kind != RespError {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Code, r.Message)
}
