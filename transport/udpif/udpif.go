// Package udpif exposes a UDP socket as a fabric interface. Peers are
// addressed by device ID through a routing table that is seeded from
// configuration and learned from inbound traffic.
package udpif

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/transport/wire"
)

// Config describes one UDP interface.
type Config struct {
	Name       string
	ListenAddr string
	DeviceID   uint64
	// MTU is the payload limit offered to the fabric, excluding the
	// wire header.
	MTU   int
	Peers map[uint64]string // device ID -> host:port
}

// Driver implements fabric.Driver and fabric.ReceiveController over a
// UDP socket.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	fab  *fabric.Fabric
	ifc  *fabric.Interface
	conn *net.UDPConn

	mu    sync.Mutex
	peers map[uint64]*net.UDPAddr

	rxEnabled atomic.Bool
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New registers a UDP interface with the fabric. The socket is not
// opened until Start.
func New(fab *fabric.Fabric, cfg Config, cipher fabric.Cipher, logger *slog.Logger) (*Driver, error) {
	if cfg.MTU <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("mtu %d", cfg.MTU), "udpif", "New", "config check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		cfg:    cfg,
		fab:    fab,
		logger: logger.With("component", "udpif", "interface", cfg.Name),
		peers:  make(map[uint64]*net.UDPAddr),
		done:   make(chan struct{}),
	}
	d.rxEnabled.Store(true)

	for id, addr := range cfg.Peers {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, errors.WrapInvalid(err, "udpif", "New", "peer "+addr)
		}
		d.peers[id] = udpAddr
	}

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

// MaxPacketSize implements fabric.Driver. Zero until Start succeeds.
func (d *Driver) MaxPacketSize() int {
	if !d.connected.Load() {
		return 0
	}
	return d.cfg.MTU
}

// Overhead implements fabric.Driver.
func (d *Driver) Overhead() (int, int) { return wire.HeaderLen, 0 }

// ReceiveCtrl implements fabric.ReceiveController. Disabled reception
// drains the socket but discards frames.
func (d *Driver) ReceiveCtrl(enable bool) error {
	d.rxEnabled.Store(enable)
	return nil
}

// AddPeer inserts or replaces a routing-table entry.
func (d *Driver) AddPeer(deviceID uint64, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.WrapInvalid(err, "udpif", "AddPeer", "resolve "+addr)
	}
	d.mu.Lock()
	d.peers[deviceID] = udpAddr
	d.mu.Unlock()
	return nil
}

// Peers returns a snapshot of the routing table.
func (d *Driver) Peers() map[uint64]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]string, len(d.peers))
	for id, addr := range d.peers {
		out[id] = addr.String()
	}
	return out
}

// Start binds the socket and begins reception.
func (d *Driver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.ListenAddr)
	if err != nil {
		return errors.WrapInvalid(err, "udpif", "Start", "resolve "+d.cfg.ListenAddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.WrapTransient(err, "udpif", "Start", "bind "+d.cfg.ListenAddr)
	}
	d.conn = conn
	d.connected.Store(true)
	d.ifc.NotifyState(d.cfg.MTU)
	go d.readLoop()

	d.logger.Info("udp interface up", "listen", conn.LocalAddr().String(), "mtu", d.cfg.MTU)
	return nil
}

// Stop closes the socket and marks the interface disconnected.
func (d *Driver) Stop(time.Duration) error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.connected.Store(false)
		if d.conn != nil {
			d.conn.Close()
		}
		d.ifc.NotifyState(0)
	})
	return nil
}

// LocalAddr returns the bound socket address, useful when ListenAddr
// requested an ephemeral port.
func (d *Driver) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Send implements fabric.Driver. Datagram writes do not block, so the
// tx-result is reported synchronously.
func (d *Driver) Send(buf *fabric.Buffer) error {
	if buf.Len() > d.cfg.MTU {
		d.ifc.CompleteTx(buf, errors.ErrInvalidArgument)
		return nil
	}

	targets, err := d.resolve(buf.TX.Dest)
	if err != nil {
		d.ifc.CompleteTx(buf, err)
		return nil
	}

	if err := wire.Frame(buf, d.cfg.DeviceID); err != nil {
		d.ifc.CompleteTx(buf, err)
		return nil
	}

	var sendErr error
	for _, target := range targets {
		if _, err := d.conn.WriteToUDP(buf.Bytes(), target); err != nil {
			sendErr = errors.WrapTransient(errors.ErrIO, "udpif", "Send", "write to "+target.String())
		}
	}
	d.ifc.CompleteTx(buf, sendErr)
	return nil
}

func (d *Driver) resolve(dest fabric.Address) ([]*net.UDPAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch dest.Type {
	case fabric.AddressDeviceID:
		addr, ok := d.peers[dest.DeviceID]
		if !ok {
			return nil, errors.WrapTransient(errors.ErrNotConnected, "udpif", "resolve", dest.String())
		}
		return []*net.UDPAddr{addr}, nil
	case fabric.AddressBroadcast:
		out := make([]*net.UDPAddr, 0, len(d.peers))
		for _, addr := range d.peers {
			out = append(out, addr)
		}
		return out, nil
	default:
		return nil, errors.ErrNotSupported
	}
}

func (d *Driver) readLoop() {
	scratch := make([]byte, wire.HeaderLen+d.cfg.MTU)
	for {
		n, from, err := d.conn.ReadFromUDP(scratch)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			d.logger.Warn("udp read failed", "error", err)
			continue
		}
		if !d.rxEnabled.Load() {
			continue
		}

		hdr, err := wire.Decode(scratch[:n])
		if err != nil {
			d.logger.Debug("malformed frame dropped", "from", from.String(), "error", err)
			continue
		}
		d.learn(hdr.DeviceID, from)

		rx, err := d.fab.ClaimRx(0)
		if err != nil {
			// RX pool exhausted: the frame is lost like airtime loss.
			continue
		}
		if err := rx.Append(scratch[wire.HeaderLen:n]); err != nil {
			rx.Unref()
			continue
		}
		*rx.RX = wire.Meta(hdr, 0)
		d.ifc.Receive(rx, true)
	}
}

// learn records the sender's socket address so replies route without
// static configuration.
func (d *Driver) learn(deviceID uint64, from *net.UDPAddr) {
	d.mu.Lock()
	known, ok := d.peers[deviceID]
	if !ok || known.String() != from.String() {
		d.peers[deviceID] = from
	}
	d.mu.Unlock()
}
