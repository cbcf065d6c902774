// Package rpc implements the remote procedure call layer on top of the
// packet fabric: a client tracking in-flight commands with TX-token
// backpressure, and a server dispatching registered commands with
// streaming DATA reassembly and acknowledgement windows.
//
// Four frame types ride the fabric: RPC_CMD carries a request, RPC_RSP
// its single response, RPC_DATA an out-of-band bulk chunk at an explicit
// offset, and RPC_DATA_ACK a window of absorbed offsets. All integers
// are little-endian on the wire.
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/emberline/nodecore/errors"
)

// Wire header sizes in bytes.
const (
	CmdHeaderLen  = 6  // command_id:u16 request_id:u32
	RspHeaderLen  = 8  // command_id:u16 request_id:u32 return_code:i16
	DataHeaderLen = 8  // request_id:u32 offset:u32
	AckHeaderLen  = 4  // request_id:u32, then offsets:u32[]
)

// Builtin command identifiers. Application commands start at CmdUserBase.
const (
	CmdEcho         uint16 = 0x0001
	CmdDataSender   uint16 = 0x0002
	CmdDataReceiver uint16 = 0x0003
	CmdUserBase     uint16 = 0x0100
)

// CmdHeader prefixes every RPC_CMD payload.
type CmdHeader struct {
	CommandID uint16
	RequestID uint32
}

// Encode appends the header to dst.
func (h CmdHeader) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.CommandID)
	dst = binary.LittleEndian.AppendUint32(dst, h.RequestID)
	return dst
}

// DecodeCmdHeader splits an RPC_CMD payload into header and parameters.
func DecodeCmdHeader(p []byte) (CmdHeader, []byte, error) {
	if len(p) < CmdHeaderLen {
		return CmdHeader{}, nil, errors.WrapInvalid(
			fmt.Errorf("cmd frame %d bytes", len(p)), "rpc", "DecodeCmdHeader", "frame decode")
	}
	return CmdHeader{
		CommandID: binary.LittleEndian.Uint16(p[0:2]),
		RequestID: binary.LittleEndian.Uint32(p[2:6]),
	}, p[CmdHeaderLen:], nil
}

// RspHeader prefixes every RPC_RSP payload.
type RspHeader struct {
	CommandID  uint16
	RequestID  uint32
	ReturnCode int16
}

// Encode appends the header to dst.
func (h RspHeader) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.CommandID)
	dst = binary.LittleEndian.AppendUint32(dst, h.RequestID)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.ReturnCode))
	return dst
}

// DecodeRspHeader splits an RPC_RSP payload into header and body.
func DecodeRspHeader(p []byte) (RspHeader, []byte, error) {
	if len(p) < RspHeaderLen {
		return RspHeader{}, nil, errors.WrapInvalid(
			fmt.Errorf("rsp frame %d bytes", len(p)), "rpc", "DecodeRspHeader", "frame decode")
	}
	return RspHeader{
		CommandID:  binary.LittleEndian.Uint16(p[0:2]),
		RequestID:  binary.LittleEndian.Uint32(p[2:6]),
		ReturnCode: int16(binary.LittleEndian.Uint16(p[6:8])),
	}, p[RspHeaderLen:], nil
}

// DataHeader prefixes every RPC_DATA payload.
type DataHeader struct {
	RequestID uint32
	Offset    uint32
}

// Encode appends the header to dst.
func (h DataHeader) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.RequestID)
	dst = binary.LittleEndian.AppendUint32(dst, h.Offset)
	return dst
}

// DecodeDataHeader splits an RPC_DATA payload into header and bytes.
func DecodeDataHeader(p []byte) (DataHeader, []byte, error) {
	if len(p) < DataHeaderLen {
		return DataHeader{}, nil, errors.WrapInvalid(
			fmt.Errorf("data frame %d bytes", len(p)), "rpc", "DecodeDataHeader", "frame decode")
	}
	return DataHeader{
		RequestID: binary.LittleEndian.Uint32(p[0:4]),
		Offset:    binary.LittleEndian.Uint32(p[4:8]),
	}, p[DataHeaderLen:], nil
}

// DataAck is the RPC_DATA_ACK frame: the offsets of contiguously
// absorbed DATA frames.
type DataAck struct {
	RequestID uint32
	Offsets   []uint32
}

// Encode appends the frame to dst.
func (a DataAck) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, a.RequestID)
	for _, off := range a.Offsets {
		dst = binary.LittleEndian.AppendUint32(dst, off)
	}
	return dst
}

// DecodeDataAck parses an RPC_DATA_ACK payload.
func DecodeDataAck(p []byte) (DataAck, error) {
	if len(p) < AckHeaderLen || (len(p)-AckHeaderLen)%4 != 0 {
		return DataAck{}, errors.WrapInvalid(
			fmt.Errorf("ack frame %d bytes", len(p)), "rpc", "DecodeDataAck", "frame decode")
	}
	ack := DataAck{RequestID: binary.LittleEndian.Uint32(p[0:4])}
	for i := AckHeaderLen; i < len(p); i += 4 {
		ack.Offsets = append(ack.Offsets, binary.LittleEndian.Uint32(p[i:i+4]))
	}
	return ack, nil
}
