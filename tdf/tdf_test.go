package tdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
)

func TestSingleRecordRoundTrip(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.Add(Record{
		ID:      0x0101,
		Format:  TimeAbsolute,
		Time:    1_700_000_000_000_000,
		Payload: []byte{1, 2, 3, 4},
	}))

	dec := NewDecoder(enc.Bytes())
	require.True(t, dec.More())
	r, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0101), r.ID)
	assert.Equal(t, TimeAbsolute, r.Format)
	assert.Equal(t, uint64(1_700_000_000_000_000), r.Time)
	assert.Equal(t, uint8(1), r.Count)
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Payload)
	assert.False(t, dec.More())
}

func TestRelativeTimeDowngrade(t *testing.T) {
	enc := NewEncoder(64)
	base := uint64(5_000_000)
	require.NoError(t, enc.Add(Record{ID: 1, Format: TimeAbsolute, Time: base, Payload: []byte{1}}))
	absLen := enc.Len()
	require.NoError(t, enc.Add(Record{ID: 1, Format: TimeAbsolute, Time: base + 1000, Payload: []byte{2}}))
	// Second record is smaller: delta fits 16 bits.
	assert.Less(t, enc.Len()-absLen, absLen)

	dec := NewDecoder(enc.Bytes())
	first, err := dec.Next()
	require.NoError(t, err)
	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, base, first.Time)
	assert.Equal(t, base+1000, second.Time)
}

func TestLargeDeltaStaysAbsolute(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.Add(Record{ID: 1, Format: TimeAbsolute, Time: 100, Payload: []byte{1}}))
	require.NoError(t, enc.Add(Record{ID: 1, Format: TimeAbsolute, Time: 100 + 0x10000, Payload: []byte{2}}))

	dec := NewDecoder(enc.Bytes())
	_, err := dec.Next()
	require.NoError(t, err)
	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(100+0x10000), second.Time)
}

func TestArrayRecord(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.Add(Record{
		ID:      7,
		Format:  TimeAbsolute,
		Time:    1000,
		Period:  50,
		Count:   3,
		Payload: []byte{1, 2, 3, 4, 5, 6}, // 3 samples of 2 bytes
	}))

	dec := NewDecoder(enc.Bytes())
	r, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(3), r.Count)
	assert.Equal(t, uint16(50), r.Period)
	assert.Len(t, r.Payload, 6)
}

func TestIndexedRecord(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.Add(Record{ID: 9, Index: 42, Payload: []byte{0xFF}}))

	dec := NewDecoder(enc.Bytes())
	r, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TimeNone, r.Format)
	assert.Equal(t, uint16(42), r.Index)
}

func TestEncoderFullReportsNoMemory(t *testing.T) {
	enc := NewEncoder(16)
	require.NoError(t, enc.Add(Record{ID: 1, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}))

	err := enc.Add(Record{ID: 1, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	assert.ErrorIs(t, err, errors.ErrNoMemory)

	enc.Reset()
	assert.NoError(t, enc.Add(Record{ID: 1, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}))
}

func TestInvalidRecordsRejected(t *testing.T) {
	enc := NewEncoder(64)
	assert.ErrorIs(t, enc.Add(Record{ID: 0, Payload: []byte{1}}), errors.ErrInvalidArgument)
	assert.Error(t, enc.Add(Record{ID: 1}))
	// Payload not divisible across samples.
	assert.Error(t, enc.Add(Record{ID: 1, Count: 3, Payload: []byte{1, 2, 3, 4}}))
	// Relative without a prior anchor.
	assert.ErrorIs(t, enc.Add(Record{ID: 1, Format: TimeRelative, Time: 5, Payload: []byte{1}}),
		errors.ErrInvalidArgument)
}

func TestDecoderTruncatedStream(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.Add(Record{ID: 1, Format: TimeAbsolute, Time: 9, Payload: []byte{1, 2, 3}}))

	dec := NewDecoder(enc.Bytes()[:enc.Len()-2])
	_, err := dec.Next()
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}
