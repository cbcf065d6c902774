// Package tdf implements the Tagged Data Format, a compact
// self-describing time-series record stream. Records carry a sensor id,
// an optional time anchor, and an opaque fixed-size payload; an encoder
// packs as many records as fit into a caller-sized buffer, using
// relative timestamps after the first absolute anchor to save space.
package tdf

import (
	"encoding/binary"
	"fmt"

	"github.com/emberline/nodecore/errors"
)

// TimeFormat selects how a record is anchored in time.
type TimeFormat uint8

const (
	// TimeNone carries no timestamp.
	TimeNone TimeFormat = 0
	// TimeAbsolute carries a 64-bit epoch-microsecond timestamp.
	TimeAbsolute TimeFormat = 1
	// TimeRelative carries a 16-bit microsecond delta against the
	// previous absolute anchor in the same buffer.
	TimeRelative TimeFormat = 2

	timeMask uint8 = 0x0F

	// flagArray marks a multi-sample record: a 16-bit sample period and
	// an 8-bit sample count precede the payload.
	flagArray uint8 = 0x10
	// flagIndex marks an indexed record: a 16-bit sequence index
	// precedes the payload.
	flagIndex uint8 = 0x20
)

// headerLen is the fixed prefix: id u16, len u8, fmt u8.
const headerLen = 4

// MaxPayload bounds one record's sample size.
const MaxPayload = 255

// Record is one TDF entry. For array records Payload holds Count
// consecutive samples of Len bytes each; Time is the timestamp of the
// first sample and Period the microsecond spacing of the rest.
type Record struct {
	ID      uint16
	Format  TimeFormat
	Time    uint64
	Index   uint16
	Period  uint16
	Count   uint8
	Payload []byte
}

// sampleLen returns the per-sample payload size.
func (r Record) sampleLen() (int, error) {
	n := len(r.Payload)
	count := int(r.Count)
	if count == 0 {
		count = 1
	}
	if n == 0 || n%count != 0 || n/count > MaxPayload {
		return 0, errors.WrapInvalid(
			fmt.Errorf("payload %d bytes across %d samples", n, count),
			"tdf", "sampleLen", "record sizing")
	}
	return n / count, nil
}

// encodedLen returns the on-wire size of the record.
func (r Record) encodedLen() (int, error) {
	if _, err := r.sampleLen(); err != nil {
		return 0, err
	}
	n := headerLen
	switch r.Format {
	case TimeNone:
	case TimeAbsolute:
		n += 8
	case TimeRelative:
		n += 2
	default:
		return 0, errors.ErrInvalidArgument
	}
	if r.Count > 1 {
		n += 3
	}
	if r.Index != 0 {
		n += 2
	}
	return n + len(r.Payload), nil
}

// Encoder packs records into a bounded buffer. The first timed record
// in a buffer is encoded absolute; later records whose delta fits in
// 16 bits are downgraded to relative automatically.
type Encoder struct {
	buf        []byte
	anchor     uint64
	haveAnchor bool
}

// NewEncoder starts a buffer with the given capacity bound.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Reset drops all packed records and the time anchor.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.anchor = 0
	e.haveAnchor = false
}

// Len reports the packed byte count.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the packed stream; valid until the next Add or Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

// Add packs one record. ErrNoMemory means the buffer is full and the
// caller should flush; the record itself is fine and may be retried.
func (e *Encoder) Add(r Record) error {
	sample, err := r.sampleLen()
	if err != nil {
		return err
	}
	if r.ID == 0 {
		return errors.ErrInvalidArgument
	}

	fmtByte := uint8(r.Format) & timeMask
	timeField := r.Time
	if r.Format == TimeAbsolute && e.haveAnchor {
		if delta := r.Time - e.anchor; r.Time >= e.anchor && delta <= 0xFFFF {
			fmtByte = uint8(TimeRelative)
			timeField = delta
		}
	}
	if TimeFormat(fmtByte&timeMask) == TimeRelative && !e.haveAnchor {
		return errors.ErrInvalidArgument
	}
	if r.Count > 1 {
		fmtByte |= flagArray
	}
	if r.Index != 0 {
		fmtByte |= flagIndex
	}

	need := headerLen + len(r.Payload)
	switch TimeFormat(fmtByte & timeMask) {
	case TimeAbsolute:
		need += 8
	case TimeRelative:
		need += 2
	}
	if fmtByte&flagArray != 0 {
		need += 3
	}
	if fmtByte&flagIndex != 0 {
		need += 2
	}
	if len(e.buf)+need > cap(e.buf) {
		return errors.ErrNoMemory
	}

	e.buf = binary.LittleEndian.AppendUint16(e.buf, r.ID)
	e.buf = append(e.buf, uint8(sample), fmtByte)
	switch TimeFormat(fmtByte & timeMask) {
	case TimeAbsolute:
		e.buf = binary.LittleEndian.AppendUint64(e.buf, timeField)
		e.anchor = timeField
		e.haveAnchor = true
	case TimeRelative:
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(timeField))
	}
	if fmtByte&flagIndex != 0 {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, r.Index)
	}
	if fmtByte&flagArray != 0 {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, r.Period)
		e.buf = append(e.buf, r.Count)
	}
	e.buf = append(e.buf, r.Payload...)
	return nil
}

// Decoder walks a packed stream, resolving relative timestamps against
// the running anchor.
type Decoder struct {
	rest       []byte
	anchor     uint64
	haveAnchor bool
}

// NewDecoder wraps a packed stream.
func NewDecoder(stream []byte) *Decoder {
	return &Decoder{rest: stream}
}

// More reports whether records remain.
func (d *Decoder) More() bool { return len(d.rest) > 0 }

// Next decodes the next record. Relative records come back with
// Format TimeAbsolute and a resolved timestamp; a truncated stream
// reports ErrInvalidArgument.
func (d *Decoder) Next() (Record, error) {
	p := d.rest
	if len(p) < headerLen {
		return Record{}, errors.WrapInvalid(
			fmt.Errorf("%d bytes remain", len(p)), "tdf", "Next", "header decode")
	}
	var r Record
	r.ID = binary.LittleEndian.Uint16(p)
	sample := int(p[2])
	fmtByte := p[3]
	p = p[headerLen:]

	switch TimeFormat(fmtByte & timeMask) {
	case TimeNone:
		r.Format = TimeNone
	case TimeAbsolute:
		if len(p) < 8 {
			return Record{}, errors.ErrInvalidArgument
		}
		r.Format = TimeAbsolute
		r.Time = binary.LittleEndian.Uint64(p)
		d.anchor = r.Time
		d.haveAnchor = true
		p = p[8:]
	case TimeRelative:
		if len(p) < 2 || !d.haveAnchor {
			return Record{}, errors.ErrInvalidArgument
		}
		r.Format = TimeAbsolute
		r.Time = d.anchor + uint64(binary.LittleEndian.Uint16(p))
		p = p[2:]
	default:
		return Record{}, errors.ErrInvalidArgument
	}

	if fmtByte&flagIndex != 0 {
		if len(p) < 2 {
			return Record{}, errors.ErrInvalidArgument
		}
		r.Index = binary.LittleEndian.Uint16(p)
		p = p[2:]
	}

	r.Count = 1
	if fmtByte&flagArray != 0 {
		if len(p) < 3 {
			return Record{}, errors.ErrInvalidArgument
		}
		r.Period = binary.LittleEndian.Uint16(p)
		r.Count = p[2]
		p = p[3:]
		if r.Count == 0 {
			return Record{}, errors.ErrInvalidArgument
		}
	}

	n := sample * int(r.Count)
	if len(p) < n {
		return Record{}, errors.ErrInvalidArgument
	}
	r.Payload = p[:n]
	d.rest = p[n:]
	return r, nil
}
