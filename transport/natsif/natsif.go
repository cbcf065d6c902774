// Package natsif exposes a NATS connection as a fabric interface.
// Every device listens on a subject derived from its device ID;
// broadcast packets fan out through a shared subject on the same
// prefix.
package natsif

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/transport/wire"
)

// Config describes one NATS-backed interface.
type Config struct {
	Name          string
	SubjectPrefix string // e.g. "nodecore.net1"
	DeviceID      uint64
	// MTU is the payload limit offered to the fabric, excluding the
	// wire header. It must stay below the server's max payload.
	MTU int
}

// Driver implements fabric.Driver and fabric.ReceiveController over an
// established NATS connection. The caller owns the connection.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	nc  *nats.Conn
	fab *fabric.Fabric
	ifc *fabric.Interface

	mu   sync.Mutex
	subs []*nats.Subscription

	rxEnabled atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
}

// New registers a NATS interface with the fabric. Subscriptions are not
// created until Start.
func New(fab *fabric.Fabric, nc *nats.Conn, cfg Config, cipher fabric.Cipher, logger *slog.Logger) (*Driver, error) {
	if cfg.MTU <= 0 || cfg.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("mtu %d, prefix %q", cfg.MTU, cfg.SubjectPrefix),
			"natsif", "New", "config check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		cfg:    cfg,
		nc:     nc,
		fab:    fab,
		logger: logger.With("component", "natsif", "interface", cfg.Name),
	}
	d.rxEnabled.Store(true)

	ifc, err := fab.AddInterface(d, cipher)
	if err != nil {
		return nil, err
	}
	d.ifc = ifc
	return d, nil
}

// Interface returns the fabric interface handle.
func (d *Driver) Interface() *fabric.Interface { return d.ifc }

// Name implements fabric.Driver.
func (d *Driver) Name() string { return d.cfg.Name }

// MaxPacketSize implements fabric.Driver.
func (d *Driver) MaxPacketSize() int {
	if !d.started.Load() || d.nc == nil || !d.nc.IsConnected() {
		return 0
	}
	return d.cfg.MTU
}

// Overhead implements fabric.Driver.
func (d *Driver) Overhead() (int, int) { return wire.HeaderLen, 0 }

// ReceiveCtrl implements fabric.ReceiveController.
func (d *Driver) ReceiveCtrl(enable bool) error {
	d.rxEnabled.Store(enable)
	return nil
}

func (d *Driver) deviceSubject(deviceID uint64) string {
	return fmt.Sprintf("%s.dev.%016x", d.cfg.SubjectPrefix, deviceID)
}

func (d *Driver) broadcastSubject() string {
	return d.cfg.SubjectPrefix + ".bcast"
}

// Start subscribes to this device's subject and the broadcast subject.
func (d *Driver) Start() error {
	own, err := d.nc.Subscribe(d.deviceSubject(d.cfg.DeviceID), d.onMessage)
	if err != nil {
		return errors.WrapTransient(err, "natsif", "Start", "device subscription")
	}
	bcast, err := d.nc.Subscribe(d.broadcastSubject(), d.onMessage)
	if err != nil {
		own.Unsubscribe()
		return errors.WrapTransient(err, "natsif", "Start", "broadcast subscription")
	}

	d.mu.Lock()
	d.subs = []*nats.Subscription{own, bcast}
	d.mu.Unlock()

	d.started.Store(true)
	d.ifc.NotifyState(d.cfg.MTU)
	d.logger.Info("nats interface up",
		"subject", d.deviceSubject(d.cfg.DeviceID), "mtu", d.cfg.MTU)
	return nil
}

// Stop drains the subscriptions and marks the interface disconnected.
// The NATS connection itself stays open for other users.
func (d *Driver) Stop(time.Duration) error {
	d.closeOnce.Do(func() {
		d.started.Store(false)
		d.mu.Lock()
		subs := d.subs
		d.subs = nil
		d.mu.Unlock()
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				d.logger.Warn("unsubscribe failed", "error", err)
			}
		}
		d.ifc.NotifyState(0)
	})
	return nil
}

// Send implements fabric.Driver.
func (d *Driver) Send(buf *fabric.Buffer) error {
	if buf.Len() > d.cfg.MTU {
		d.ifc.CompleteTx(buf, errors.ErrInvalidArgument)
		return nil
	}

	var subject string
	switch buf.TX.Dest.Type {
	case fabric.AddressDeviceID:
		subject = d.deviceSubject(buf.TX.Dest.DeviceID)
	case fabric.AddressBroadcast:
		subject = d.broadcastSubject()
	default:
		d.ifc.CompleteTx(buf, errors.ErrNotSupported)
		return nil
	}

	if err := wire.Frame(buf, d.cfg.DeviceID); err != nil {
		d.ifc.CompleteTx(buf, err)
		return nil
	}

	if err := d.nc.Publish(subject, buf.Bytes()); err != nil {
		d.ifc.CompleteTx(buf, errors.WrapTransient(errors.ErrIO, "natsif", "Send", "publish "+subject))
		return nil
	}
	d.ifc.CompleteTx(buf, nil)
	return nil
}

func (d *Driver) onMessage(msg *nats.Msg) {
	if !d.rxEnabled.Load() {
		return
	}

	hdr, err := wire.Decode(msg.Data)
	if err != nil {
		d.logger.Debug("malformed frame dropped", "subject", msg.Subject, "error", err)
		return
	}
	// Broadcasts loop back through the shared subject.
	if hdr.DeviceID == d.cfg.DeviceID {
		return
	}

	rx, err := d.fab.ClaimRx(0)
	if err != nil {
		return
	}
	if err := rx.Append(msg.Data[wire.HeaderLen:]); err != nil {
		rx.Unref()
		return
	}
	*rx.RX = wire.Meta(hdr, 0)
	d.ifc.Receive(rx, true)
}
