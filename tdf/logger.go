package tdf

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/pkg/blocklog"
)

// Dest is a destination bitmask for logged records. A record may fan
// out to any combination of sinks.
type Dest uint8

const (
	// DestFabric broadcasts encoded buffers as TDF packets.
	DestFabric Dest = 1 << 0
	// DestBlock appends encoded buffers to the block store.
	DestBlock Dest = 1 << 1
)

// Logger accumulates records per destination and flushes full or aged
// buffers to the corresponding sink. Safe for concurrent use.
type Logger struct {
	logger *slog.Logger

	mu       sync.Mutex
	fabEnc   *Encoder
	blockEnc *Encoder

	ifc       *fabric.Interface
	store     blocklog.Store
	claimWait time.Duration
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithLoggerLog sets the slog handle.
func WithLoggerLog(logger *slog.Logger) LoggerOption {
	return func(l *Logger) { l.logger = logger }
}

// WithFabricSink broadcasts flushed buffers on the interface. The
// encoder is sized to the interface MTU at flush time, bounded by
// bufferSize at rest.
func WithFabricSink(ifc *fabric.Interface) LoggerOption {
	return func(l *Logger) { l.ifc = ifc }
}

// WithBlockSink appends flushed buffers to the store.
func WithBlockSink(store blocklog.Store) LoggerOption {
	return func(l *Logger) { l.store = store }
}

// NewLogger builds a logger whose per-destination staging buffers hold
// bufferSize bytes.
func NewLogger(bufferSize int, opts ...LoggerOption) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Logger{
		logger:    slog.Default(),
		fabEnc:    NewEncoder(bufferSize),
		blockEnc:  NewEncoder(bufferSize),
		claimWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log packs the record for every destination in the mask, flushing a
// destination first when the record does not fit.
func (l *Logger) Log(dest Dest, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dest&DestFabric != 0 {
		note(l.logLocked(l.fabEnc, r, l.flushFabricLocked))
	}
	if dest&DestBlock != 0 {
		note(l.logLocked(l.blockEnc, r, l.flushBlockLocked))
	}
	return firstErr
}

func (l *Logger) logLocked(enc *Encoder, r Record, flush func() error) error {
	err := enc.Add(r)
	if !stderrors.Is(err, errors.ErrNoMemory) {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return enc.Add(r)
}

// Flush pushes any staged bytes for the destinations in the mask.
func (l *Logger) Flush(dest Dest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if dest&DestFabric != 0 {
		if err := l.flushFabricLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dest&DestBlock != 0 {
		if err := l.flushBlockLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) flushFabricLocked() error {
	if l.fabEnc.Len() == 0 {
		return nil
	}
	if l.ifc == nil {
		l.fabEnc.Reset()
		return errors.ErrNotConnected
	}

	buf, err := l.ifc.ClaimTx(l.claimWait)
	if err != nil {
		return err
	}
	if err := buf.Append(l.fabEnc.Bytes()); err != nil {
		buf.Unref()
		// Staged data exceeds the interface MTU; drop rather than wedge
		// the encoder.
		l.fabEnc.Reset()
		return errors.WrapInvalid(err, "tdf", "flush", "fabric framing")
	}
	buf.TX.Type = fabric.PacketTDF
	buf.TX.Auth = fabric.AuthNetwork
	buf.TX.Dest = fabric.Broadcast()
	l.fabEnc.Reset()
	if err := l.ifc.Queue(buf); err != nil {
		return err
	}
	return nil
}

func (l *Logger) flushBlockLocked() error {
	if l.blockEnc.Len() == 0 {
		return nil
	}
	if l.store == nil {
		l.blockEnc.Reset()
		return errors.ErrNotConnected
	}
	seq, err := l.store.Append(l.blockEnc.Bytes())
	l.blockEnc.Reset()
	if err != nil {
		return err
	}
	l.logger.Debug("tdf block stored", "seq", seq)
	return nil
}
