package rpc

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/transport/loopback"
)

const (
	srvDevice = uint64(0xB)
	cliDevice = uint64(0xA)
)

// newLink wires a client and server across an in-memory packet pair.
func newLink(t *testing.T, mtu int) (*Client, *Server, *loopback.Endpoint) {
	t.Helper()

	fabA, err := fabric.New(fabric.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	fabB, err := fabric.New(fabric.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	a, b, err := loopback.NewPair(fabA, fabB, "cli", "srv", cliDevice, srvDevice, mtu, nil)
	require.NoError(t, err)

	srv, err := NewServer(b.Interface())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	cli := NewClient(a.Interface(), fabric.DeviceAddress(srvDevice))
	t.Cleanup(cli.Cleanup)
	return cli, srv, a
}

func awaitResponse(t *testing.T, ch <-chan *Response) *Response {
	t.Helper()
	select {
	case rsp := <-ch:
		return rsp
	case <-time.After(3 * time.Second):
		t.Fatal("no callback within deadline")
		return nil
	}
}

func TestEchoRoundTrip(t *testing.T) {
	cli, _, _ := newLink(t, 244)

	payload := []byte{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	ch := make(chan *Response, 1)
	var got []byte
	reqID, err := cli.CommandQueue(CmdEcho, payload, func(rsp *Response) {
		if rsp != nil {
			got = append([]byte(nil), rsp.Payload...)
		}
		ch <- rsp
	}, time.Second, time.Second)
	require.NoError(t, err)

	rsp := awaitResponse(t, ch)
	require.NotNil(t, rsp)
	assert.Equal(t, CmdEcho, rsp.Header.CommandID)
	assert.Equal(t, reqID, rsp.Header.RequestID)
	assert.Equal(t, int16(0), rsp.Header.ReturnCode)
	assert.Equal(t, payload, got)
}

func TestCommandSyncUnknownCommand(t *testing.T) {
	cli, _, _ := newLink(t, 244)

	hdr, _, err := cli.CommandSync(context.Background(), 0x0999, nil, time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, errors.Code(errors.ErrNotSupported), hdr.ReturnCode)
}

func TestCommandTimeoutDeliversNil(t *testing.T) {
	cli, srv, _ := newLink(t, 244)

	const cmdMute = CmdUserBase + 1
	srv.Register(cmdMute, Command{Handler: func(context.Context, *Request) {}})

	ch := make(chan *Response, 1)
	_, err := cli.CommandQueue(cmdMute, nil, func(rsp *Response) { ch <- rsp }, time.Second, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Nil(t, awaitResponse(t, ch))
}

func TestAuthFloorEnforced(t *testing.T) {
	_, srv, a := newLink(t, 244)

	const cmdSecure = CmdUserBase + 2
	srv.Register(cmdSecure, Command{
		MinAuth: fabric.AuthNetwork,
		Handler: func(_ context.Context, req *Request) { _ = req.Respond(0, nil) },
	})

	rspCh := make(chan RspHeader, 1)
	a.Interface().RegisterCallback(&fabric.Callback{
		PacketReceived: func(buf *fabric.Buffer, _ bool) bool {
			if buf.RX.Type != fabric.PacketRPCRsp {
				return true
			}
			if hdr, _, err := DecodeRspHeader(buf.Bytes()); err == nil && hdr.RequestID == 0x77 {
				rspCh <- hdr
			}
			return false
		},
	})

	// A command frame below the auth floor, bypassing the client.
	buf, err := a.Interface().ClaimTx(0)
	require.NoError(t, err)
	require.NoError(t, buf.Append(CmdHeader{CommandID: cmdSecure, RequestID: 0x77}.Encode(nil)))
	buf.TX.Type = fabric.PacketRPCCmd
	buf.TX.Auth = fabric.AuthNone
	buf.TX.Dest = fabric.DeviceAddress(srvDevice)
	require.NoError(t, a.Interface().Queue(buf))

	select {
	case hdr := <-rspCh:
		assert.Equal(t, errors.Code(errors.ErrPermissionDenied), hdr.ReturnCode)
	case <-time.After(3 * time.Second):
		t.Fatal("no rejection response")
	}
}

func TestCallbackMayReenterClient(t *testing.T) {
	cli, _, _ := newLink(t, 244)

	done := make(chan *Response, 1)
	ch := make(chan *Response, 1)
	_, err := cli.CommandQueue(CmdEcho, []byte{1}, func(rsp *Response) {
		// The slot must already be free here.
		_, err := cli.CommandQueue(CmdEcho, []byte{2}, func(inner *Response) { done <- inner }, 100*time.Millisecond, time.Second)
		assert.NoError(t, err)
		ch <- rsp
	}, time.Second, time.Second)
	require.NoError(t, err)

	require.NotNil(t, awaitResponse(t, ch))
	require.NotNil(t, awaitResponse(t, done))
}

func TestCleanupIdempotent(t *testing.T) {
	cli, srv, _ := newLink(t, 244)

	const cmdMute = CmdUserBase + 3
	srv.Register(cmdMute, Command{Handler: func(context.Context, *Request) {}})

	var mu sync.Mutex
	calls := 0
	var last *Response
	_, err := cli.CommandQueue(cmdMute, nil, func(rsp *Response) {
		mu.Lock()
		calls++
		last = rsp
		mu.Unlock()
	}, time.Second, time.Minute)
	require.NoError(t, err)

	cli.Cleanup()
	cli.Cleanup()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Nil(t, last)
}

func TestDataSenderStream(t *testing.T) {
	cli, _, a := newLink(t, 244)

	const total = 5555
	var mu sync.Mutex
	received := 0
	crc := crc32.NewIEEE()
	a.Interface().RegisterCallback(&fabric.Callback{
		PacketReceived: func(buf *fabric.Buffer, _ bool) bool {
			if buf.RX.Type != fabric.PacketRPCData {
				return true
			}
			hdr, payload, err := DecodeDataHeader(buf.Bytes())
			if err != nil {
				return false
			}
			mu.Lock()
			if int(hdr.Offset) == received {
				crc.Write(payload)
				received += len(payload)
			}
			mu.Unlock()
			return false
		},
	})

	var params [4]byte
	binary.LittleEndian.PutUint32(params[:], total)
	hdr, payload, err := cli.CommandSync(context.Background(), CmdDataSender, params[:], time.Second, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int16(0), hdr.ReturnCode)
	require.Len(t, payload, 8)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, received)
	assert.Equal(t, binary.LittleEndian.Uint32(payload[0:4]), crc.Sum32())
	assert.Equal(t, uint32(total), binary.LittleEndian.Uint32(payload[4:8]))
}

func TestDataReceiverAckWindows(t *testing.T) {
	// MTU 72 gives 64-byte DATA payloads: exactly 33 frames.
	cli, _, a := newLink(t, 72)

	const (
		frameLen  = 64
		numFrames = 33
		total     = frameLen * numFrames
		ackPeriod = 2
	)

	var mu sync.Mutex
	var acks []DataAck
	a.Interface().RegisterCallback(&fabric.Callback{
		PacketReceived: func(buf *fabric.Buffer, _ bool) bool {
			if buf.RX.Type != fabric.PacketRPCDataAck {
				return true
			}
			if ack, err := DecodeDataAck(buf.Bytes()); err == nil {
				mu.Lock()
				acks = append(acks, ack)
				mu.Unlock()
			}
			return true
		},
	})

	src := make([]byte, total)
	fillPattern(src, 0)
	want := crc32.ChecksumIEEE(src)

	params := make([]byte, 5)
	binary.LittleEndian.PutUint32(params, total)
	params[4] = ackPeriod

	ch := make(chan *Response, 1)
	var rc int16
	var rspPayload []byte
	reqID, err := cli.CommandQueue(CmdDataReceiver, params, func(rsp *Response) {
		if rsp != nil {
			rc = rsp.Header.ReturnCode
			rspPayload = append([]byte(nil), rsp.Payload...)
		}
		ch <- rsp
	}, time.Second, 10*time.Second)
	require.NoError(t, err)

	err = cli.DataQueueAutoLoad(context.Background(), reqID, 0, src, LoaderParams{
		TotalLen:   total,
		AckPeriod:  ackPeriod,
		Pipelining: 2,
		AckWait:    3 * time.Second,
	})
	require.NoError(t, err)

	require.NotNil(t, awaitResponse(t, ch))
	require.Equal(t, int16(0), rc)
	require.Len(t, rspPayload, 8)
	assert.Equal(t, want, binary.LittleEndian.Uint32(rspPayload[0:4]))
	assert.Equal(t, uint32(total), binary.LittleEndian.Uint32(rspPayload[4:8]))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acks, 17)
	prev := int64(-1)
	for i, ack := range acks {
		assert.Equal(t, reqID, ack.RequestID)
		if i < len(acks)-1 {
			assert.Len(t, ack.Offsets, ackPeriod)
		} else {
			assert.Len(t, ack.Offsets, 1)
		}
		for _, off := range ack.Offsets {
			assert.Greater(t, int64(off), prev)
			prev = int64(off)
		}
	}
}

func TestDataQueueRejectsUnalignedOffset(t *testing.T) {
	cli, srv, _ := newLink(t, 244)

	const cmdMute = CmdUserBase + 4
	srv.Register(cmdMute, Command{Handler: func(context.Context, *Request) {}})

	ch := make(chan *Response, 1)
	reqID, err := cli.CommandQueue(cmdMute, nil, func(rsp *Response) { ch <- rsp }, time.Second, time.Second)
	require.NoError(t, err)

	err = cli.DataQueue(context.Background(), reqID, 2, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	awaitResponse(t, ch)
}

func TestSlotExhaustionReportsTryAgain(t *testing.T) {
	cli, srv, _ := newLink(t, 244)

	const cmdMute = CmdUserBase + 5
	srv.Register(cmdMute, Command{Handler: func(context.Context, *Request) {}})

	for i := 0; i < MaxInFlight; i++ {
		_, err := cli.CommandQueue(cmdMute, nil, nil, time.Second, time.Minute)
		require.NoError(t, err)
	}

	_, err := cli.CommandQueue(cmdMute, nil, nil, 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, errors.ErrTryAgain)
}
