package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
)

func TestCmdHeaderRoundTrip(t *testing.T) {
	frame := CmdHeader{CommandID: 0x0102, RequestID: 0xDEADBEEF}.Encode(nil)
	frame = append(frame, 0xAA, 0xBB)

	hdr, params, err := DecodeCmdHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), hdr.CommandID)
	assert.Equal(t, uint32(0xDEADBEEF), hdr.RequestID)
	assert.Equal(t, []byte{0xAA, 0xBB}, params)
}

func TestRspHeaderNegativeCode(t *testing.T) {
	frame := RspHeader{CommandID: 7, RequestID: 9, ReturnCode: -6}.Encode(nil)

	hdr, payload, err := DecodeRspHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, int16(-6), hdr.ReturnCode)
	assert.Empty(t, payload)
}

func TestDecodeShortFramesRejected(t *testing.T) {
	_, _, err := DecodeCmdHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, _, err = DecodeRspHeader(make([]byte, RspHeaderLen-1))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, _, err = DecodeDataHeader(make([]byte, DataHeaderLen-1))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = DecodeDataAck(make([]byte, AckHeaderLen-1))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestDataAckOffsets(t *testing.T) {
	frame := DataAck{RequestID: 42, Offsets: []uint32{0, 64, 128}}.Encode(nil)

	ack, err := DecodeDataAck(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ack.RequestID)
	assert.Equal(t, []uint32{0, 64, 128}, ack.Offsets)
}
