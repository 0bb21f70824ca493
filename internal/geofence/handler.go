package geofence

import (
	"context"
	"time"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/ipc"
	"github.com/network-dmenu/zoned/internal/store"
	appversion "github.com/network-dmenu/zoned/internal/version"
)

// Handle implements ipc.Handler: each request kind maps to a store or
// scheduler operation. Reads see the state after the most recent
// completed enter/exit; mutations are serialized by the store.
func (d *Daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Kind {
	case ipc.KindStatus:
		return d.handleStatus()
	case ipc.KindCurrentZone:
		return d.handleCurrentZone()
	case ipc.KindListZones:
		return ipc.Response{Kind: ipc.RespZones, Zones: d.zones.List()}
	case ipc.KindCreateZone:
		return d.handleCreateZone(ctx, req)
	case ipc.KindUpdateZone:
		return d.handleUpdateZone(req)
	case ipc.KindDeleteZone:
		return d.handleDeleteZone(req)
	case ipc.KindSampleZone:
		return d.handleSampleZone(ctx, req)
	case ipc.KindWhereAmI:
		return d.handleWhereAmI(ctx)
	case ipc.KindHistory:
		return ipc.Response{Kind: ipc.RespHistory, History: d.ctrl.Snapshot().RecentHistory}
	case ipc.KindStop:
		// The IPC server invokes its stop callback after the Ok response
		// is on the wire.
		return ipc.Response{Kind: ipc.RespOk}
	default:
		return ipc.Errorf(ipc.CodeInvalidRequest, "unknown request kind %q", req.Kind)
	}
}

func (d *Daemon) handleStatus() ipc.Response {
	snap := d.ctrl.Snapshot()

	d.statusMu.Lock()
	lastScanAt := d.lastScanAt
	lastScore := d.lastScore
	startedAt := d.startedAt
	d.statusMu.Unlock()

	status := &ipc.DaemonStatus{
		Version:          appversion.Version,
		State:            snap.State.String(),
		CurrentZoneID:    snap.CurrentZoneID,
		LastTransitionAt: snap.LastTransitionAt,
		ScanIntervalMS:   snap.ScanIntervalMS,
		LastScore:        lastScore,
		UptimeSeconds:    int64(time.Since(startedAt).Seconds()),
		ZoneCount:        len(d.zones.List()),
		LastPlan:         snap.LastPlan,
	}
	if !lastScanAt.IsZero() {
		status.LastScanAt = &lastScanAt
	}
	if snap.CurrentZoneID != "" && snap.CurrentZoneID != store.ZoneIDUnknown {
		if zone, err := d.zones.Get(snap.CurrentZoneID); err == nil {
			status.CurrentZoneName = zone.Name
		}
	}
	return ipc.Response{Kind: ipc.RespStatus, Status: status}
}

func (d *Daemon) handleCurrentZone() ipc.Response {
	snap := d.ctrl.Snapshot()
	if snap.CurrentZoneID == "" || snap.CurrentZoneID == store.ZoneIDUnknown {
		return ipc.Response{Kind: ipc.RespUnknown}
	}

	zone, err := d.zones.Get(snap.CurrentZoneID)
	if err != nil {
		return ipc.Response{Kind: ipc.RespUnknown}
	}
	return ipc.Response{Kind: ipc.RespZone, Zone: zone}
}

func (d *Daemon) handleCreateZone(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Name == "" {
		return ipc.Errorf(ipc.CodeInvalidRequest, "zone name required")
	}

	samples := req.Samples
	if len(samples) == 0 {
		fp, err := d.CaptureFingerprint(ctx)
		if err != nil {
			return ipc.Errorf(ipc.CodeScanUnavailable, "capture fingerprint: %s", err)
		}
		samples = []fingerprint.Fingerprint{fp}
	}

	threshold := d.cfg.Match.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	var actions action.Plan
	if req.Actions != nil {
		actions = *req.Actions
	}

	zone, err := d.zones.Create(req.Name, actions, samples, threshold)
	if err != nil {
		return ipc.ErrorResponse(err)
	}
	return ipc.Response{Kind: ipc.RespZone, Zone: zone}
}

func (d *Daemon) handleUpdateZone(req ipc.Request) ipc.Response {
	if req.ID == "" || req.Patch == nil {
		return ipc.Errorf(ipc.CodeInvalidRequest, "zone id and patch required")
	}

	zone, err := d.zones.Update(req.ID, store.Patch{
		Name:                req.Patch.Name,
		ConfidenceThreshold: req.Patch.Threshold,
		Actions:             req.Patch.Actions,
	})
	if err != nil {
		return ipc.ErrorResponse(err)
	}
	return ipc.Response{Kind: ipc.RespZone, Zone: zone}
}

func (d *Daemon) handleDeleteZone(req ipc.Request) ipc.Response {
	if req.ID == "" {
		return ipc.Errorf(ipc.CodeInvalidRequest, "zone id required")
	}
	if err := d.ctrl.DeleteZone(req.ID); err != nil {
		return ipc.ErrorResponse(err)
	}
	return ipc.Response{Kind: ipc.RespOk}
}

func (d *Daemon) handleSampleZone(ctx context.Context, req ipc.Request) ipc.Response {
	if req.ID == "" {
		return ipc.Errorf(ipc.CodeInvalidRequest, "zone id required")
	}

	fp, err := d.CaptureFingerprint(ctx)
	if err != nil {
		return ipc.Errorf(ipc.CodeScanUnavailable, "capture fingerprint: %s", err)
	}

	zone, err := d.zones.AppendFingerprint(req.ID, fp)
	if err != nil {
		return ipc.ErrorResponse(err)
	}
	return ipc.Response{Kind: ipc.RespZone, Zone: zone}
}

func (d *Daemon) handleWhereAmI(ctx context.Context) ipc.Response {
	fp, err := d.CaptureFingerprint(ctx)
	if err != nil {
		return ipc.Errorf(ipc.CodeScanUnavailable, "capture fingerprint: %s", err)
	}

	result := d.MatchNow(fp)
	return ipc.Response{
		Kind: ipc.RespWhereAmI,
		WhereAmI: &ipc.WhereAmIReport{
			Fingerprint: fp,
			Scores:      result.Candidates,
		},
	}
}
