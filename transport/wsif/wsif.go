// Package wsif exposes a WebSocket client connection as a fabric
// interface. It is the gateway uplink: the node dials a fixed URL and
// exchanges binary frames with the far end, reconnecting with backoff
// when the link drops.
package wsif

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/transport/wire"
)

// Config describes the gateway uplink.
type Config struct {
	Name     string
	URL      string // ws:// or wss://
	DeviceID uint64
	// MTU is the payload limit offered to the fabric, excluding the
	// wire header.
	MTU               int
	HandshakeTimeout  time.Duration // default 10s
	ReconnectInterval time.Duration // default 5s; 0 keeps the default
}

// Driver implements fabric.Driver over a client WebSocket connection.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	fab *fabric.Fabric
	ifc *fabric.Interface

	// writeMu serialises frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	rxEnabled atomic.Bool
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New registers the uplink with the fabric. The connection is not
// dialed until Start.
func New(fab *fabric.Fabric, cfg Config, cipher fabric.Cipher, logger *slog.Logger) (*Driver, error) {
	if cfg.MTU <= 0 || cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("mtu %d, url %q", cfg.MTU, cfg.URL),
			"wsif", "New", "config check")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		cfg:    cfg,
		fab:    fab,
		logger: logger.With("component", "wsif", "interface", cfg.Name),
		done:   make(chan struct{}),
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

// MaxPacketSize implements fabric.Driver. Zero while the uplink is down.
func (d *Driver) MaxPacketSize() int {
	if !d.connected.Load() {
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

// Start dials the gateway and launches the session loop, which redials
// after ReconnectInterval whenever the link drops.
func (d *Driver) Start() error {
	conn, err := d.dial()
	if err != nil {
		return err
	}
	go d.sessionLoop(conn)
	return nil
}

// Stop tears the uplink down.
func (d *Driver) Stop(time.Duration) error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.connMu.Lock()
		conn := d.conn
		d.connMu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	return nil
}

func (d *Driver) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(d.cfg.URL, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "wsif", "dial", "connect "+d.cfg.URL)
	}
	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()
	d.connected.Store(true)
	d.ifc.NotifyState(d.cfg.MTU)
	d.logger.Info("uplink connected", "url", d.cfg.URL, "mtu", d.cfg.MTU)
	return conn, nil
}

// sessionLoop reads until the connection breaks, then redials.
func (d *Driver) sessionLoop(conn *websocket.Conn) {
	for {
		d.readLoop(conn)

		d.connected.Store(false)
		d.ifc.NotifyState(0)
		conn.Close()

		for {
			select {
			case <-d.done:
				return
			case <-time.After(d.cfg.ReconnectInterval):
			}
			next, err := d.dial()
			if err == nil {
				conn = next
				break
			}
			d.logger.Warn("uplink redial failed", "error", err)
		}
	}
}

func (d *Driver) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.logger.Warn("uplink read failed", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage || !d.rxEnabled.Load() {
			continue
		}

		hdr, err := wire.Decode(data)
		if err != nil {
			d.logger.Debug("malformed frame dropped", "error", err)
			continue
		}

		rx, err := d.fab.ClaimRx(0)
		if err != nil {
			continue
		}
		if err := rx.Append(data[wire.HeaderLen:]); err != nil {
			rx.Unref()
			continue
		}
		*rx.RX = wire.Meta(hdr, 0)
		d.ifc.Receive(rx, true)
	}
}

// Send implements fabric.Driver. The gateway routes on the wire header,
// so device and broadcast destinations share the single uplink.
func (d *Driver) Send(buf *fabric.Buffer) error {
	if buf.Len() > d.cfg.MTU {
		d.ifc.CompleteTx(buf, errors.ErrInvalidArgument)
		return nil
	}

	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil || !d.connected.Load() {
		d.ifc.CompleteTx(buf, errors.ErrNotConnected)
		return nil
	}

	if err := wire.Frame(buf, d.cfg.DeviceID); err != nil {
		d.ifc.CompleteTx(buf, err)
		return nil
	}

	d.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
	d.writeMu.Unlock()
	if err != nil {
		d.ifc.CompleteTx(buf, errors.WrapTransient(errors.ErrIO, "wsif", "Send", "frame write"))
		return nil
	}
	d.ifc.CompleteTx(buf, nil)
	return nil
}
