//go:build linux

package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/askdad/convalesense/internal/ble/gatt"
)

// defaultATTPayload is the notification payload size for the default ATT MTU
// of 23. BlueZ negotiates larger MTUs on its own and does not report them.
const defaultATTPayload = 20

// BlueZRadio is a Radio backed by tinygo-org/bluetooth over BlueZ D-Bus.
//
// BlueZ hides the CCCD from the application, so a connected central is
// treated as subscribed to every notifiable characteristic, and a
// disconnect ends the subscription. Reads are served by BlueZ from the
// cached characteristic value and never reach the engine.
type BlueZRadio struct {
	adapter         *bluetooth.Adapter
	readyBackoffMax time.Duration

	mu         sync.Mutex
	sink       func(Event)
	handles    map[uuid.UUID]*bluetooth.Characteristic
	notifiable []uuid.UUID
	adv        *bluetooth.Advertisement
	attempt    int
	retry      *time.Timer
	closed     bool
}

// NewBlueZRadio creates a radio on the default BlueZ adapter. When a
// notification cannot be queued, ReadyToUpdate is delivered after an
// exponential backoff capped at readyBackoffMax.
func NewBlueZRadio(readyBackoffMax time.Duration) (*BlueZRadio, error) {
	if readyBackoffMax <= 0 {
		readyBackoffMax = 2 * time.Second
	}
	return &BlueZRadio{
		adapter:         bluetooth.DefaultAdapter,
		readyBackoffMax: readyBackoffMax,
		handles:         make(map[uuid.UUID]*bluetooth.Characteristic),
	}, nil
}

func (r *BlueZRadio) Open(sink func(Event)) error {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()

	if err := r.adapter.Enable(); err != nil {
		slog.Error("[BLE] enable BlueZ adapter", "error", err)
		sink(StateChanged{State: AdapterStateUnsupported})
		return nil
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		central := Central{ID: device.Address.String(), MaximumUpdateValueLength: defaultATTPayload}
		if !connected {
			slog.Info("[BLE] central disconnected", "central", central.ID)
			r.emit(CentralDisconnected{Central: central})
			return
		}
		slog.Info("[BLE] central connected", "central", central.ID)
		r.mu.Lock()
		chars := append([]uuid.UUID(nil), r.notifiable...)
		r.mu.Unlock()
		for _, c := range chars {
			r.emit(CentralSubscribed{Central: central, Characteristic: c})
		}
	})

	sink(StateChanged{State: AdapterStatePoweredOn})
	return nil
}

func (r *BlueZRadio) AddService(svc *gatt.Service) error {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID.String())
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	handles := make([]*bluetooth.Characteristic, len(svc.Characteristics))
	configs := make([]bluetooth.CharacteristicConfig, len(svc.Characteristics))
	for i, c := range svc.Characteristics {
		charUUID, err := bluetooth.ParseUUID(c.UUID.String())
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		handles[i] = new(bluetooth.Characteristic)
		id := c.UUID
		configs[i] = bluetooth.CharacteristicConfig{
			Handle: handles[i],
			UUID:   charUUID,
			Value:  c.Value,
			Flags:  permissionFlags(c.Properties),
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				r.emit(WriteRequests{Requests: []*Request{{
					Central:        Central{ID: fmt.Sprint(client), MaximumUpdateValueLength: defaultATTPayload},
					Characteristic: id,
					Offset:         offset,
					Value:          append([]byte(nil), value...),
				}}})
			},
		}
	}

	if err := r.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: configs}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", gatt.FormatUUID(svc.UUID), err)
	}

	r.mu.Lock()
	for i, c := range svc.Characteristics {
		r.handles[c.UUID] = handles[i]
		if c.Properties.Has(gatt.PropNotify) {
			r.notifiable = append(r.notifiable, c.UUID)
		}
	}
	r.mu.Unlock()

	r.emit(ServiceAdded{Service: svc.UUID})
	return nil
}

func permissionFlags(p gatt.Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if p.Has(gatt.PropBroadcast) {
		flags |= bluetooth.CharacteristicBroadcastPermission
	}
	if p.Has(gatt.PropRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(gatt.PropWriteWithoutResponse) {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(gatt.PropWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(gatt.PropNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(gatt.PropIndicate) {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

func (r *BlueZRadio) StartAdvertising(adv Advertisement) error {
	uuids := make([]bluetooth.UUID, 0, len(adv.ServiceUUIDs))
	for _, u := range adv.ServiceUUIDs {
		bu, err := bluetooth.ParseUUID(u.String())
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		uuids = append(uuids, bu)
	}

	a := r.adapter.DefaultAdvertisement()
	if err := a.Configure(bluetooth.AdvertisementOptions{
		LocalName:    adv.LocalName,
		ServiceUUIDs: uuids,
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}

	r.mu.Lock()
	r.adv = a
	r.mu.Unlock()
	r.emit(AdvertisingStarted{})
	return nil
}

func (r *BlueZRadio) StopAdvertising() error {
	r.mu.Lock()
	a := r.adv
	r.adv = nil
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	if err := a.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertisement: %w", err)
	}
	return nil
}

// UpdateValue writes the characteristic value; BlueZ turns the property
// change into a notification to every subscribed central. A failed write, or
// a characteristic not registered on this adapter yet, is retried by
// scheduling ReadyToUpdate with backoff.
func (r *BlueZRadio) UpdateValue(value []byte, char *gatt.Characteristic, central *Central) bool {
	r.mu.Lock()
	h, ok := r.handles[char.UUID]
	r.mu.Unlock()
	if !ok {
		r.scheduleReady("characteristic not registered", "uuid", gatt.FormatUUID(char.UUID))
		return false
	}

	if _, err := h.Write(value); err != nil {
		r.scheduleReady("notify failed", "error", err)
		return false
	}

	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
	return true
}

// scheduleReady arms a single ReadyToUpdate after the next backoff delay.
func (r *BlueZRadio) scheduleReady(reason string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := backoffDelay(r.attempt, r.readyBackoffMax)
	r.attempt++
	slog.Warn("[BLE] "+reason+", retrying", append(args, "delay", delay)...)
	if r.retry != nil || r.closed {
		return
	}
	r.retry = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.retry = nil
		r.mu.Unlock()
		r.emit(ReadyToUpdate{})
	})
}

// Respond is a no-op: BlueZ answers reads and writes itself.
func (r *BlueZRadio) Respond(req *Request, value []byte, result ATTResult) error {
	return nil
}

func (r *BlueZRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	return nil
}

func (r *BlueZRadio) emit(ev Event) {
	r.mu.Lock()
	sink, closed := r.sink, r.closed
	r.mu.Unlock()
	if sink != nil && !closed {
		sink(ev)
	}
}

var _ Radio = (*BlueZRadio)(nil)
