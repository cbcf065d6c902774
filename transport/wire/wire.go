// Package wire defines the datagram framing shared by the network
// transports. Each packet is prefixed with a fixed header carrying the
// packet type, claimed auth level, flags, and the sender's device ID;
// the fabric payload follows unmodified.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
)

// Version is the framing version carried in every header.
const Version = 1

// HeaderLen is the encoded header size in bytes.
const HeaderLen = 13

// Header precedes the payload on UDP, NATS, and WebSocket links.
type Header struct {
	Version  uint8
	Type     fabric.PacketType
	Auth     fabric.AuthLevel
	Flags    uint16
	DeviceID uint64
}

// Encode writes the header into dst, which must hold HeaderLen bytes.
func (h Header) Encode(dst []byte) {
	dst[0] = h.Version
	dst[1] = uint8(h.Type)
	dst[2] = uint8(h.Auth)
	binary.LittleEndian.PutUint16(dst[3:5], h.Flags)
	binary.LittleEndian.PutUint64(dst[5:13], h.DeviceID)
}

// Decode parses a header from p.
func Decode(p []byte) (Header, error) {
	if len(p) < HeaderLen {
		return Header{}, errors.WrapInvalid(
			fmt.Errorf("frame %d bytes, need %d", len(p), HeaderLen),
			"wire", "Decode", "length check")
	}
	h := Header{
		Version:  p[0],
		Type:     fabric.PacketType(p[1]),
		Auth:     fabric.AuthLevel(p[2]),
		Flags:    binary.LittleEndian.Uint16(p[3:5]),
		DeviceID: binary.LittleEndian.Uint64(p[5:13]),
	}
	if h.Version != Version {
		return Header{}, errors.WrapInvalid(
			fmt.Errorf("frame version %d", h.Version),
			"wire", "Decode", "version check")
	}
	return h, nil
}

// Frame prefixes an outbound fabric buffer with its header. The buffer
// must have HeaderLen bytes of headroom reserved.
func Frame(buf *fabric.Buffer, deviceID uint64) error {
	var hdr [HeaderLen]byte
	Header{
		Version:  Version,
		Type:     buf.TX.Type,
		Auth:     buf.TX.Auth,
		Flags:    buf.TX.Flags,
		DeviceID: deviceID,
	}.Encode(hdr[:])
	return buf.Push(hdr[:])
}

// Meta builds the RX metadata for a decoded header.
func Meta(h Header, rssi int8) fabric.RxMeta {
	return fabric.RxMeta{
		Auth:     h.Auth,
		Flags:    h.Flags,
		Type:     h.Type,
		Source:   fabric.DeviceAddress(h.DeviceID),
		DeviceID: h.DeviceID,
		RSSI:     rssi,
	}
}
