package fabric

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emberline/nodecore/errors"
)

// PacketType identifies the payload carried by a packet.
type PacketType uint8

// Core packet types.
const (
	PacketEchoReq    PacketType = 0x01
	PacketEchoRsp    PacketType = 0x02
	PacketRPCCmd     PacketType = 0x10
	PacketRPCData    PacketType = 0x11
	PacketRPCDataAck PacketType = 0x12
	PacketRPCRsp     PacketType = 0x13
	PacketTDF        PacketType = 0x20
)

// AuthLevel classifies the cryptographic provenance of a packet.
type AuthLevel uint8

const (
	// AuthNone carries no authentication.
	AuthNone AuthLevel = iota
	// AuthDevice is authenticated with device-unique key material.
	AuthDevice
	// AuthNetwork is authenticated with the shared network key.
	AuthNetwork
)

// TxMeta is the transmit metadata shape attached to an outbound buffer.
type TxMeta struct {
	Auth   AuthLevel
	Flags  uint16
	Type   PacketType
	Dest   Address
	TxDone func(buf *Buffer, result error)
}

// RxMeta is the receive metadata shape attached to an inbound buffer.
type RxMeta struct {
	Auth        AuthLevel
	Flags       uint16
	Type        PacketType
	Source      Address
	Interface   *Interface
	InterfaceID uint8
	RSSI        int8
	DeviceID    uint64
	KeyRotation uint32
}

// Buffer is a reference-counted byte container drawn from a bounded pool.
// Exactly one live owner mutates contents at a time; Unref returns it to
// its pool once the count drops to zero.
type Buffer struct {
	pool *Pool
	data []byte
	// payload window within data
	start int
	end   int
	// reserved tail bytes (interface footer)
	tailroom int

	refs atomic.Int32

	TX *TxMeta
	RX *RxMeta
}

// Reserve positions the payload window leaving headroom bytes before it
// and tailroom bytes after the writable region.
func (b *Buffer) Reserve(headroom, tailroom int) error {
	if headroom < 0 || tailroom < 0 || headroom+tailroom > len(b.data) {
		return errors.WrapInvalid(
			fmt.Errorf("reserve %d+%d exceeds capacity %d", headroom, tailroom, len(b.data)),
			"fabric", "Reserve", "buffer layout")
	}
	b.start = headroom
	b.end = headroom
	b.tailroom = tailroom
	return nil
}

// Bytes returns the current payload window.
func (b *Buffer) Bytes() []byte { return b.data[b.start:b.end] }

// Len returns the payload length.
func (b *Buffer) Len() int { return b.end - b.start }

// Tailroom returns the writable bytes remaining after the payload.
func (b *Buffer) Tailroom() int { return len(b.data) - b.tailroom - b.end }

// Headroom returns the reserved bytes before the payload.
func (b *Buffer) Headroom() int { return b.start }

// Append copies p after the current payload.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Tailroom() {
		return errors.WrapInvalid(
			fmt.Errorf("append %d bytes with %d tailroom", len(p), b.Tailroom()),
			"fabric", "Append", "payload write")
	}
	copy(b.data[b.end:], p)
	b.end += len(p)
	return nil
}

// Extend grows the payload window by n bytes and returns the newly
// exposed region for in-place writes.
func (b *Buffer) Extend(n int) ([]byte, error) {
	if n > b.Tailroom() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("extend %d bytes with %d tailroom", n, b.Tailroom()),
			"fabric", "Extend", "payload write")
	}
	out := b.data[b.end : b.end+n]
	b.end += n
	return out, nil
}

// Push prepends p into the headroom, typically an interface header.
func (b *Buffer) Push(p []byte) error {
	if len(p) > b.start {
		return errors.WrapInvalid(
			fmt.Errorf("push %d bytes with %d headroom", len(p), b.start),
			"fabric", "Push", "header write")
	}
	b.start -= len(p)
	copy(b.data[b.start:], p)
	return nil
}

// Pull drops n bytes from the front of the payload and returns them.
func (b *Buffer) Pull(n int) ([]byte, error) {
	if n > b.Len() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("pull %d bytes from %d payload", n, b.Len()),
			"fabric", "Pull", "header read")
	}
	out := b.data[b.start : b.start+n]
	b.start += n
	return out, nil
}

// Ref extends the buffer lifetime past its default dispatch.
func (b *Buffer) Ref() {
	b.refs.Add(1)
}

// Unref releases one reference, returning the buffer to its pool when
// the count reaches zero.
func (b *Buffer) Unref() {
	newRefs := b.refs.Add(-1)
	if newRefs > 0 {
		return
	}
	if newRefs < 0 {
		panic("fabric: buffer released more times than referenced")
	}
	b.TX = nil
	b.RX = nil
	b.start = 0
	b.end = 0
	b.tailroom = 0
	b.pool.release(b)
}

// Pool is a bounded, thread-safe buffer pool.
type Pool struct {
	name    string
	bufSize int
	free    chan *Buffer

	exhausted func() // optional metric hook
}

// NewPool creates a pool of count buffers of bufSize bytes each.
func NewPool(name string, count, bufSize int) (*Pool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("pool %q count=%d size=%d", name, count, bufSize),
			"fabric", "NewPool", "pool sizing")
	}
	p := &Pool{
		name:    name,
		bufSize: bufSize,
		free:    make(chan *Buffer, count),
	}
	for i := 0; i < count; i++ {
		p.free <- &Buffer{pool: p, data: make([]byte, bufSize)}
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// BufSize returns the per-buffer capacity.
func (p *Pool) BufSize() int { return p.bufSize }

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.free) }

// Claim allocates a buffer, waiting up to timeout for one to become
// free. A zero timeout never waits. Fails with ErrNoMemory on
// exhaustion within the allowed wait.
func (p *Pool) Claim(timeout time.Duration) (*Buffer, error) {
	select {
	case b := <-p.free:
		b.refs.Store(1)
		return b, nil
	default:
	}
	if timeout <= 0 {
		p.noteExhausted()
		return nil, errors.ErrNoMemory
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-p.free:
		b.refs.Store(1)
		return b, nil
	case <-timer.C:
		p.noteExhausted()
		return nil, errors.ErrNoMemory
	}
}

// ClaimCtx allocates a buffer, waiting until ctx is done.
func (p *Pool) ClaimCtx(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		b.refs.Store(1)
		return b, nil
	case <-ctx.Done():
		p.noteExhausted()
		return nil, errors.ErrNoMemory
	}
}

func (p *Pool) release(b *Buffer) {
	select {
	case p.free <- b:
	default:
		// Double release would overflow the pool; fail loudly.
		panic(fmt.Sprintf("fabric: pool %q overflow on release", p.name))
	}
}

func (p *Pool) noteExhausted() {
	if p.exhausted != nil {
		p.exhausted()
	}
}
