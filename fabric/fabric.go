// Package fabric implements the framed-packet interface abstraction: a
// sized buffer pool, per-interface send/receive paths, packet metadata,
// interface callbacks, crypto bind points, and the tagged address union.
//
// Transports implement the Driver contract and register with a Fabric,
// which owns the TX/RX buffer pools and receive dispatch. Higher layers
// (RPC, TDF logging) move packets exclusively through Interface handles.
package fabric

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/metric"
)

// Config sizes the fabric buffer pools.
type Config struct {
	TxBuffers    int
	RxBuffers    int
	BufferSize   int
	ClaimTimeout time.Duration
}

// DefaultConfig returns pool sizing suited to a small node.
func DefaultConfig() Config {
	return Config{
		TxBuffers:    8,
		RxBuffers:    8,
		BufferSize:   512,
		ClaimTimeout: 100 * time.Millisecond,
	}
}

// Fabric is the collective of interfaces, buffer pools, and metadata
// machinery moving packets in and out.
type Fabric struct {
	txPool *Pool
	rxPool *Pool
	logger *slog.Logger
	core   *metric.CoreMetrics

	mu         sync.Mutex
	interfaces map[uint8]*Interface
	nextID     uint8
}

// New creates a fabric with bounded TX and RX pools.
func New(cfg Config, logger *slog.Logger, core *metric.CoreMetrics) (*Fabric, error) {
	if logger == nil {
		logger = slog.Default()
	}
	txPool, err := NewPool("tx", cfg.TxBuffers, cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	rxPool, err := NewPool("rx", cfg.RxBuffers, cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	f := &Fabric{
		txPool:     txPool,
		rxPool:     rxPool,
		logger:     logger,
		core:       core,
		interfaces: make(map[uint8]*Interface),
	}
	if core != nil {
		txPool.exhausted = func() { core.PoolExhaustion.WithLabelValues("tx").Inc() }
		rxPool.exhausted = func() { core.PoolExhaustion.WithLabelValues("rx").Inc() }
	}
	return f, nil
}

// AddInterface registers a transport driver and returns its Interface
// handle. A nil cipher binds the plaintext cipher.
func (f *Fabric) AddInterface(drv Driver, cipher Cipher) (*Interface, error) {
	if drv == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil driver"), "fabric", "AddInterface", "driver check")
	}
	if cipher == nil {
		cipher = Plaintext{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.interfaces) >= MaxInterfaces {
		return nil, errors.WrapInvalid(
			fmt.Errorf("interface limit %d reached", MaxInterfaces),
			"fabric", "AddInterface", "interface registration")
	}

	id := f.nextID
	f.nextID++
	ifc := &Interface{
		drv:      drv,
		id:       id,
		fabric:   f,
		cipher:   cipher,
		logger:   f.logger.With("interface", drv.Name()),
		handlers: make(map[PacketType]TypeHandler),
	}
	ifc.installEcho()
	f.interfaces[id] = ifc

	f.logger.Info("fabric interface registered", "interface", drv.Name(), "id", id)
	return ifc, nil
}

// MaxInterfaces bounds the number of simultaneous fabric interfaces.
const MaxInterfaces = 4

// Interface returns the interface with the given id.
func (f *Fabric) Interface(id uint8) (*Interface, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ifc, ok := f.interfaces[id]
	return ifc, ok
}

// Interfaces returns all registered interfaces.
func (f *Fabric) Interfaces() []*Interface {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Interface, 0, len(f.interfaces))
	for _, ifc := range f.interfaces {
		out = append(out, ifc)
	}
	return out
}

// ClaimRx allocates an RX buffer for a driver delivering inbound data.
func (f *Fabric) ClaimRx(timeout time.Duration) (*Buffer, error) {
	buf, err := f.rxPool.Claim(timeout)
	if err != nil {
		return nil, err
	}
	if err := buf.Reserve(0, 0); err != nil {
		buf.Unref()
		return nil, err
	}
	buf.RX = &RxMeta{}
	return buf, nil
}

// TxPool exposes the TX pool for observability.
func (f *Fabric) TxPool() *Pool { return f.txPool }

// RxPool exposes the RX pool for observability.
func (f *Fabric) RxPool() *Pool { return f.rxPool }

func (f *Fabric) noteSent(ifc *Interface, payloadLen int) {
	if f.core == nil {
		return
	}
	f.core.PacketsSent.WithLabelValues(ifc.Name()).Inc()
	f.core.BytesSent.WithLabelValues(ifc.Name()).Add(float64(payloadLen))
}

func (f *Fabric) noteReceived(ifc *Interface, payloadLen int) {
	if f.core == nil {
		return
	}
	f.core.PacketsReceived.WithLabelValues(ifc.Name()).Inc()
	f.core.BytesReceived.WithLabelValues(ifc.Name()).Add(float64(payloadLen))
}

func (f *Fabric) noteSendFailure(ifc *Interface) {
	if f.core == nil {
		return
	}
	f.core.SendFailures.WithLabelValues(ifc.Name()).Inc()
}

func (f *Fabric) noteMTU(ifc *Interface, maxPayload int) {
	if f.core == nil {
		return
	}
	f.core.InterfaceMTU.WithLabelValues(ifc.Name()).Set(float64(maxPayload))
}
