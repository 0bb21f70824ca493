package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// BlueZ D-Bus names.
const (
	bluezService   = "org.bluez"
	bluezRoot      = dbus.ObjectPath("/")
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	objectManager  = "org.freedesktop.DBus.ObjectManager"
	getManagedCall = objectManager + ".GetManagedObjects"
)

// BlueZScanner discovers nearby Bluetooth devices via BlueZ on the system
// D-Bus. Discovery is bounded by a hard window so a slow controller never
// stalls the daemon loop.
type BlueZScanner struct {
	window time.Duration
	logger *slog.Logger

	conn *dbus.Conn
}

// NewBlueZScanner creates a BlueZ-backed Bluetooth scanner. The D-Bus
// connection is established lazily on first scan so a missing bus does not
// fail daemon startup.
func NewBlueZScanner(window time.Duration, logger *slog.Logger) *BlueZScanner {
	return &BlueZScanner{
		window: window,
		logger: logger.With(slog.String("component", "scan.bluez")),
	}
}

// ScanBluetooth performs one bounded discovery.
//
// Controller presence is checked before any discovery command: when no
// powered adapter exists the scan returns an empty list and no error.
func (b *BlueZScanner) ScanBluetooth(ctx context.Context) ([]BluetoothDevice, error) {
	conn, err := b.systemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	adapterPath, ok, err := b.findAdapter(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		// No controller: Bluetooth is simply absent on this host.
		return nil, nil
	}

	adapter := conn.Object(bluezService, adapterPath)

	// StartDiscovery may race a discovery someone else started; BlueZ
	// answers InProgress, which is fine -- the snapshot below still sees
	// whatever devices turn up.
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		if !strings.Contains(err.Error(), "InProgress") {
			return nil, fmt.Errorf("start discovery: %w", err)
		}
	} else {
		defer func() {
			// Best-effort; the controller stops by itself eventually.
			_ = adapter.Call(adapterIface+".StopDiscovery", 0).Err
		}()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.window):
	}

	return b.snapshotDevices(ctx, conn)
}

// systemBus returns the cached system bus connection, dialing on first use.
func (b *BlueZScanner) systemBus() (*dbus.Conn, error) {
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

// findAdapter locates the first powered Bluetooth adapter. Returns ok=false
// when BlueZ is not running or exposes no adapter.
func (b *BlueZScanner) findAdapter(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, bool, error) {
	objects, err := b.managedObjects(ctx, conn)
	if err != nil {
		// BlueZ not on the bus: treat as "no controller".
		b.logger.Debug("bluez not available", slog.String("error", err.Error()))
		return "", false, nil
	}

	paths := make([]string, 0, len(objects))
	for path := range objects {
		paths = append(paths, string(path))
	}
	sort.Strings(paths)

	for _, path := range paths {
		ifaces := objects[dbus.ObjectPath(path)]
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		if powered, ok := props["Powered"].Value().(bool); ok && !powered {
			continue
		}
		return dbus.ObjectPath(path), true, nil
	}
	return "", false, nil
}

// snapshotDevices reads all org.bluez.Device1 objects after discovery.
func (b *BlueZScanner) snapshotDevices(ctx context.Context, conn *dbus.Conn) ([]BluetoothDevice, error) {
	objects, err := b.managedObjects(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("snapshot devices: %w", err)
	}

	var devices []BluetoothDevice
	for _, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}

		addr, _ := props["Address"].Value().(string)
		mac := NormalizeMAC(addr)
		if mac == "" {
			continue
		}

		dev := BluetoothDevice{MAC: mac}
		if name, ok := props["Alias"].Value().(string); ok && name != "" {
			dev.Name = name
		} else if name, ok := props["Name"].Value().(string); ok {
			dev.Name = name
		}
		if rssi, ok := props["RSSI"].Value().(int16); ok {
			dev.RSSI = &rssi
		}
		if class, ok := props["Class"].Value().(uint32); ok {
			dev.DeviceClass = &class
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })
	return devices, nil
}

// managedObjects calls GetManagedObjects on the BlueZ root object.
func (b *BlueZScanner) managedObjects(
	ctx context.Context,
	conn *dbus.Conn,
) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := conn.Object(bluezService, bluezRoot).
		CallWithContext(ctx, getManagedCall, 0).
		Store(&objects)
	if err != nil {
		return nil, err
	}
	return objects, nil
}
