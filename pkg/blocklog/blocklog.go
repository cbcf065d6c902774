// Package blocklog provides a bounded circular store of fixed-size data
// blocks with monotonically increasing sequence numbers. When full, the
// oldest block is overwritten. It backs the TDF block-log sink; a flash
// or file layout lives behind the same Store interface outside the core.
package blocklog

import (
	"fmt"
	"sync"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is the block sink contract.
type Store interface {
	// Append writes one block and returns its sequence number.
	Append(block []byte) (uint32, error)
	// Read copies the block at seq; ErrNoData when it has been
	// overwritten or never written.
	Read(seq uint32) ([]byte, error)
	// Bounds returns the oldest and newest live sequence numbers;
	// ok is false while the store is empty.
	Bounds() (oldest, newest uint32, ok bool)
	// BlockSize returns the fixed block capacity in bytes.
	BlockSize() int
}

// DropCallback observes blocks evicted by overflow.
type DropCallback func(seq uint32, block []byte)

type ringMetrics struct {
	appends prometheus.Counter
	drops   prometheus.Counter
	live    prometheus.Gauge
}

// Ring is the in-memory Store. Safe for concurrent use.
type Ring struct {
	mu        sync.RWMutex
	blocks    [][]byte
	lengths   []int
	blockSize int
	count     int
	next      uint32

	onDrop  DropCallback
	metrics *ringMetrics
}

// Option configures a Ring.
type Option func(*Ring) error

// WithDropCallback observes evicted blocks. The callback runs outside
// the ring lock.
func WithDropCallback(cb DropCallback) Option {
	return func(r *Ring) error {
		r.onDrop = cb
		return nil
	}
}

// WithMetrics exposes append/drop counters and a live-block gauge.
func WithMetrics(registry metric.Registrar, prefix string) Option {
	return func(r *Ring) error {
		if registry == nil || prefix == "" {
			return nil
		}
		m := &ringMetrics{
			appends: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_blocklog_appends_total",
				Help: "Total blocks appended",
			}),
			drops: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_blocklog_drops_total",
				Help: "Total blocks evicted by overflow",
			}),
			live: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_blocklog_live_blocks",
				Help: "Blocks currently retained",
			}),
		}
		const service = "blocklog"
		if err := registry.RegisterCounter(service, prefix+"_blocklog_appends_total", m.appends); err != nil {
			return errors.WrapTransient(err, "blocklog", "WithMetrics", "metrics registration")
		}
		if err := registry.RegisterCounter(service, prefix+"_blocklog_drops_total", m.drops); err != nil {
			return errors.WrapTransient(err, "blocklog", "WithMetrics", "metrics registration")
		}
		if err := registry.RegisterGauge(service, prefix+"_blocklog_live_blocks", m.live); err != nil {
			return errors.WrapTransient(err, "blocklog", "WithMetrics", "metrics registration")
		}
		r.metrics = m
		return nil
	}
}

// New builds a ring of capacity blocks, each up to blockSize bytes.
func New(capacity, blockSize int, opts ...Option) (*Ring, error) {
	if capacity <= 0 || blockSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("capacity %d, block size %d", capacity, blockSize),
			"blocklog", "New", "ring sizing")
	}
	r := &Ring{
		blocks:    make([][]byte, capacity),
		lengths:   make([]int, capacity),
		blockSize: blockSize,
	}
	for i := range r.blocks {
		r.blocks[i] = make([]byte, blockSize)
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// BlockSize returns the fixed block capacity in bytes.
func (r *Ring) BlockSize() int { return r.blockSize }

// Len reports the number of live blocks.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Append stores a copy of block and returns its sequence number.
// Oversized blocks are refused; a full ring evicts its oldest entry.
func (r *Ring) Append(block []byte) (uint32, error) {
	if len(block) == 0 || len(block) > r.blockSize {
		return 0, errors.WrapInvalid(
			fmt.Errorf("block of %d bytes, limit %d", len(block), r.blockSize),
			"blocklog", "Append", "block sizing")
	}

	var dropSeq uint32
	var dropCopy []byte
	dropped := false

	r.mu.Lock()
	seq := r.next
	slot := int(seq) % len(r.blocks)
	if r.count == len(r.blocks) {
		dropped = true
		dropSeq = seq - uint32(len(r.blocks))
		if r.onDrop != nil {
			dropCopy = append([]byte(nil), r.blocks[slot][:r.lengths[slot]]...)
		}
	} else {
		r.count++
	}
	copy(r.blocks[slot], block)
	r.lengths[slot] = len(block)
	r.next = seq + 1
	count := r.count
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.appends.Inc()
		r.metrics.live.Set(float64(count))
		if dropped {
			r.metrics.drops.Inc()
		}
	}
	if dropCopy != nil {
		r.onDrop(dropSeq, dropCopy)
	}
	return seq, nil
}

// Read returns a copy of the block at seq.
func (r *Ring) Read(seq uint32) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil, errors.ErrNoData
	}
	oldest := r.next - uint32(r.count)
	if seq < oldest || seq >= r.next {
		return nil, errors.ErrNoData
	}
	slot := int(seq) % len(r.blocks)
	return append([]byte(nil), r.blocks[slot][:r.lengths[slot]]...), nil
}

// Bounds returns the live sequence range.
func (r *Ring) Bounds() (uint32, uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return 0, 0, false
	}
	return r.next - uint32(r.count), r.next - 1, true
}
