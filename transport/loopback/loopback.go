// Package loopback provides an in-process fabric transport: a pair of
// linked endpoints delivering packets to each other with no wire in
// between. It backs the framework's end-to-end tests and single-node
// bring-up.
package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
)

// Endpoint is one side of a loopback link. It implements fabric.Driver
// and fabric.ReceiveController.
type Endpoint struct {
	name     string
	deviceID uint64

	mu   sync.Mutex
	peer *Endpoint
	ifc  *fabric.Interface
	fab  *fabric.Fabric

	mtu       atomic.Int32
	rxEnabled atomic.Bool

	// dropFilter, when set, discards matching outbound buffers after a
	// successful tx-result. Used to exercise loss handling in tests.
	dropFilter atomic.Pointer[func(*fabric.Buffer) bool]
}

// NewPair creates two linked endpoints and registers each with its
// fabric under the given cipher.
func NewPair(fabA, fabB *fabric.Fabric, nameA, nameB string, deviceA, deviceB uint64, mtu int, cipher fabric.Cipher) (*Endpoint, *Endpoint, error) {
	a := &Endpoint{name: nameA, deviceID: deviceA, fab: fabA}
	b := &Endpoint{name: nameB, deviceID: deviceB, fab: fabB}
	a.mtu.Store(int32(mtu))
	b.mtu.Store(int32(mtu))
	a.rxEnabled.Store(true)
	b.rxEnabled.Store(true)
	a.peer = b
	b.peer = a

	ifcA, err := fabA.AddInterface(a, cipher)
	if err != nil {
		return nil, nil, err
	}
	ifcB, err := fabB.AddInterface(b, cipher)
	if err != nil {
		return nil, nil, err
	}
	a.ifc = ifcA
	b.ifc = ifcB
	return a, b, nil
}

// Interface returns the fabric interface handle for this endpoint.
func (e *Endpoint) Interface() *fabric.Interface { return e.ifc }

// DeviceID returns the device identifier this endpoint answers as.
func (e *Endpoint) DeviceID() uint64 { return e.deviceID }

// Name implements fabric.Driver.
func (e *Endpoint) Name() string { return e.name }

// MaxPacketSize implements fabric.Driver.
func (e *Endpoint) MaxPacketSize() int { return int(e.mtu.Load()) }

// Overhead implements fabric.Driver. Loopback frames nothing.
func (e *Endpoint) Overhead() (int, int) { return 0, 0 }

// SetMTU changes the link MTU and notifies interface observers.
func (e *Endpoint) SetMTU(mtu int) {
	e.mtu.Store(int32(mtu))
	if e.ifc != nil {
		e.ifc.NotifyState(mtu)
	}
}

// SetDropFilter installs a predicate that silently drops matching
// outbound packets after their tx-result reports success.
func (e *Endpoint) SetDropFilter(f func(*fabric.Buffer) bool) {
	if f == nil {
		e.dropFilter.Store(nil)
		return
	}
	e.dropFilter.Store(&f)
}

// ReceiveCtrl implements fabric.ReceiveController.
func (e *Endpoint) ReceiveCtrl(enable bool) error {
	e.rxEnabled.Store(enable)
	return nil
}

// Send implements fabric.Driver. Delivery is synchronous: the buffer is
// copied into the peer fabric's RX pool, the tx-result runs, then the
// peer dispatch executes on the calling goroutine.
func (e *Endpoint) Send(buf *fabric.Buffer) error {
	if buf.Len() > e.MaxPacketSize() {
		e.ifc.CompleteTx(buf, errors.ErrInvalidArgument)
		return nil
	}

	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil || peer.MaxPacketSize() == 0 {
		e.ifc.CompleteTx(buf, errors.ErrNotConnected)
		return nil
	}

	dropped := false
	if f := e.dropFilter.Load(); f != nil && (*f)(buf) {
		dropped = true
	}
	if !peer.rxEnabled.Load() {
		dropped = true
	}

	var rx *fabric.Buffer
	var meta fabric.RxMeta
	if !dropped {
		var err error
		rx, err = peer.fab.ClaimRx(0)
		if err != nil {
			// Peer pool exhausted looks like airtime loss.
			dropped = true
		} else {
			meta = fabric.RxMeta{
				Auth:     buf.TX.Auth,
				Flags:    buf.TX.Flags,
				Type:     buf.TX.Type,
				Source:   fabric.DeviceAddress(e.deviceID),
				DeviceID: e.deviceID,
				RSSI:     -42,
			}
			if err := rx.Append(buf.Bytes()); err != nil {
				rx.Unref()
				rx = nil
				dropped = true
			}
		}
	}

	e.ifc.CompleteTx(buf, nil)

	if !dropped && rx != nil {
		*rx.RX = meta
		peer.ifc.Receive(rx, true)
	}
	return nil
}
