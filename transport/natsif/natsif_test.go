package natsif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
)

func newDriver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	fab, err := fabric.New(fabric.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	d, err := New(fab, nil, cfg, nil, nil)
	require.NoError(t, err)
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	fab, err := fabric.New(fabric.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	_, err = New(fab, nil, Config{Name: "n", SubjectPrefix: "", MTU: 244}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = New(fab, nil, Config{Name: "n", SubjectPrefix: "nodecore.net1", MTU: 0}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestSubjectLayout(t *testing.T) {
	d := newDriver(t, Config{
		Name:          "nats0",
		SubjectPrefix: "nodecore.net1",
		DeviceID:      0xAB,
		MTU:           244,
	})

	assert.Equal(t, "nodecore.net1.dev.00000000000000ab", d.deviceSubject(0xAB))
	assert.Equal(t, "nodecore.net1.bcast", d.broadcastSubject())
}

func TestDisconnectedUntilStarted(t *testing.T) {
	d := newDriver(t, Config{
		Name:          "nats0",
		SubjectPrefix: "nodecore.net1",
		DeviceID:      0xAB,
		MTU:           244,
	})

	// No subscription yet: the fabric must see the link as down.
	assert.Equal(t, 0, d.MaxPacketSize())

	buf, err := d.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append([]byte{1}))
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Dest = fabric.Broadcast()
	assert.ErrorIs(t, d.Interface().Queue(buf), errors.ErrNotConnected)
}

func TestFrameOverheadMatchesWireHeader(t *testing.T) {
	d := newDriver(t, Config{
		Name:          "nats0",
		SubjectPrefix: "nodecore.net1",
		DeviceID:      1,
		MTU:           244,
	})

	head, tail := d.Overhead()
	assert.Equal(t, 13, head)
	assert.Equal(t, 0, tail)
}
