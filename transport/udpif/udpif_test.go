package udpif

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
)

func newNode(t *testing.T, name string, deviceID uint64, peers map[uint64]string) *Driver {
	t.Helper()
	fab, err := fabric.New(fabric.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	d, err := New(fab, Config{
		Name:       name,
		ListenAddr: "127.0.0.1:0",
		DeviceID:   deviceID,
		MTU:        244,
		Peers:      peers,
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop(time.Second) })
	return d
}

type capture struct {
	mu   sync.Mutex
	got  []byte
	meta fabric.RxMeta
	seen chan struct{}
}

func newCapture() *capture {
	return &capture{seen: make(chan struct{}, 8)}
}

func (c *capture) handler(buf *fabric.Buffer) {
	c.mu.Lock()
	c.got = append([]byte(nil), buf.Bytes()...)
	c.meta = *buf.RX
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *capture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	a := newNode(t, "udp-a", 0xA, nil)
	b := newNode(t, "udp-b", 0xB, map[uint64]string{
		0xA: a.LocalAddr().String(),
	})
	require.NoError(t, a.AddPeer(0xB, b.LocalAddr().String()))

	rx := newCapture()
	b.Interface().RegisterHandler(fabric.PacketTDF, rx.handler)

	buf, err := a.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append([]byte{1, 2, 3, 4}))
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Auth = fabric.AuthNetwork
	buf.TX.Dest = fabric.DeviceAddress(0xB)
	require.NoError(t, a.Interface().Queue(buf))

	rx.wait(t)
	rx.mu.Lock()
	defer rx.mu.Unlock()
	assert.Equal(t, []byte{1, 2, 3, 4}, rx.got)
	assert.Equal(t, fabric.AuthNetwork, rx.meta.Auth)
	assert.Equal(t, uint64(0xA), rx.meta.DeviceID)
	assert.True(t, rx.meta.Source.Equal(fabric.DeviceAddress(0xA)))
}

func TestPeerLearnedFromInboundTraffic(t *testing.T) {
	a := newNode(t, "udp-a", 0xA, nil)
	// b knows a; a learns b from the first datagram.
	b := newNode(t, "udp-b", 0xB, map[uint64]string{
		0xA: a.LocalAddr().String(),
	})

	rxA := newCapture()
	a.Interface().RegisterHandler(fabric.PacketTDF, rxA.handler)

	buf, err := b.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append([]byte{9}))
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Dest = fabric.DeviceAddress(0xA)
	require.NoError(t, b.Interface().Queue(buf))
	rxA.wait(t)

	// The learned route now carries the reply.
	assert.Contains(t, a.Peers(), uint64(0xB))

	rxB := newCapture()
	b.Interface().RegisterHandler(fabric.PacketTDF, rxB.handler)

	reply, err := a.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, reply.Append([]byte{7}))
	reply.TX.Type = fabric.PacketTDF
	reply.TX.Dest = fabric.DeviceAddress(0xB)
	require.NoError(t, a.Interface().Queue(reply))
	rxB.wait(t)
	rxB.mu.Lock()
	assert.Equal(t, []byte{7}, rxB.got)
	rxB.mu.Unlock()
}

func TestUnknownPeerReportsNotConnected(t *testing.T) {
	a := newNode(t, "udp-a", 0xA, nil)

	var txErr error
	done := make(chan struct{})
	buf, err := a.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append([]byte{1}))
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Dest = fabric.DeviceAddress(0xDEAD)
	buf.TX.TxDone = func(_ *fabric.Buffer, result error) {
		txErr = result
		close(done)
	}
	a.Interface().Queue(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tx result not delivered")
	}
	assert.ErrorIs(t, txErr, errors.ErrNotConnected)
}

func TestBroadcastFansOutToAllPeers(t *testing.T) {
	a := newNode(t, "udp-a", 0xA, nil)
	b := newNode(t, "udp-b", 0xB, nil)
	c := newNode(t, "udp-c", 0xC, nil)
	require.NoError(t, a.AddPeer(0xB, b.LocalAddr().String()))
	require.NoError(t, a.AddPeer(0xC, c.LocalAddr().String()))

	rxB := newCapture()
	rxC := newCapture()
	b.Interface().RegisterHandler(fabric.PacketTDF, rxB.handler)
	c.Interface().RegisterHandler(fabric.PacketTDF, rxC.handler)

	buf, err := a.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append([]byte{5, 5}))
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Dest = fabric.Broadcast()
	require.NoError(t, a.Interface().Queue(buf))

	rxB.wait(t)
	rxC.wait(t)
}

func TestStopMarksInterfaceDisconnected(t *testing.T) {
	a := newNode(t, "udp-a", 0xA, nil)
	require.NoError(t, a.Stop(time.Second))
	assert.Equal(t, 0, a.MaxPacketSize())
}
