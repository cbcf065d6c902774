package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains platform-level metrics shared by the runtime.
// Subsystem-specific collectors register through the Registrar instead.
type CoreMetrics struct {
	// Component lifecycle
	ComponentStatus *prometheus.GaugeVec

	// Packet fabric
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	PoolExhaustion  *prometheus.CounterVec
	InterfaceMTU    *prometheus.GaugeVec

	// Scheduler
	TasksStarted    *prometheus.CounterVec
	TasksTerminated *prometheus.CounterVec
	TasksRunning    prometheus.Gauge

	// RPC
	RPCCommands  *prometheus.CounterVec
	RPCTimeouts  *prometheus.CounterVec
	RPCDataBytes *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nodecore",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "packets_sent_total",
				Help:      "Total packets queued for transmit per interface",
			},
			[]string{"interface"},
		),
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "packets_received_total",
				Help:      "Total packets dispatched from receive per interface",
			},
			[]string{"interface"},
		),
		BytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "bytes_sent_total",
				Help:      "Total payload bytes queued for transmit per interface",
			},
			[]string{"interface"},
		),
		BytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "bytes_received_total",
				Help:      "Total payload bytes received per interface",
			},
			[]string{"interface"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "send_failures_total",
				Help:      "Total transmit failures reported via tx-result callbacks",
			},
			[]string{"interface"},
		),
		PoolExhaustion: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "pool_exhaustion_total",
				Help:      "Total buffer claims that timed out on an exhausted pool",
			},
			[]string{"pool"},
		),
		InterfaceMTU: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nodecore",
				Subsystem: "fabric",
				Name:      "interface_mtu_bytes",
				Help:      "Current maximum payload per interface (0 = disconnected)",
			},
			[]string{"interface"},
		),
		TasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "scheduler",
				Name:      "tasks_started_total",
				Help:      "Total task activations per task",
			},
			[]string{"task"},
		),
		TasksTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "scheduler",
				Name:      "tasks_terminated_total",
				Help:      "Total task terminations per task and reason",
			},
			[]string{"task", "reason"},
		),
		TasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nodecore",
				Subsystem: "scheduler",
				Name:      "tasks_running",
				Help:      "Number of tasks currently running",
			},
		),
		RPCCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "rpc",
				Name:      "commands_total",
				Help:      "Total RPC commands by direction and status",
			},
			[]string{"direction", "status"},
		),
		RPCTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "rpc",
				Name:      "timeouts_total",
				Help:      "Total RPC response timeouts by side",
			},
			[]string{"side"},
		),
		RPCDataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodecore",
				Subsystem: "rpc",
				Name:      "data_bytes_total",
				Help:      "Total DATA stream bytes by direction",
			},
			[]string{"direction"},
		),
	}
}

func (m *CoreMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ComponentStatus,
		m.PacketsSent,
		m.PacketsReceived,
		m.BytesSent,
		m.BytesReceived,
		m.SendFailures,
		m.PoolExhaustion,
		m.InterfaceMTU,
		m.TasksStarted,
		m.TasksTerminated,
		m.TasksRunning,
		m.RPCCommands,
		m.RPCTimeouts,
		m.RPCDataBytes,
	}
}
