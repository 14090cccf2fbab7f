package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Object kinds tracked by the lifetime counters.
const (
	KindProcess             = "process"
	KindThread              = "thread"
	KindNode                = "node"
	KindRef                 = "ref"
	KindDeath               = "death"
	KindTransaction         = "transaction"
	KindTransactionComplete = "transaction_complete"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	registry *prometheus.Registry

	// Object lifetime metrics
	ObjectsCreated *prometheus.CounterVec
	ObjectsDeleted *prometheus.CounterVec

	// Protocol metrics
	CommandsTotal *prometheus.CounterVec
	ReturnsTotal  *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal  *prometheus.CounterVec
	TransactionsFailed *prometheus.CounterVec
	TransactionBytes   prometheus.Histogram

	// Buffer pool metrics
	BufferAllocs prometheus.Counter
	BufferFrees  prometheus.Counter

	// Thread governor metrics
	SpawnHints prometheus.Counter

	// Endpoint metrics
	ProcessesActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON admin API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON admin API.
type Snapshot struct {
	Processes          int64 `json:"processes"`
	TransactionsTotal  int64 `json:"transactions_total"`
	TransactionsFailed int64 `json:"transactions_failed"`
	BufferAllocs       int64 `json:"buffer_allocs"`
	BufferFrees        int64 `json:"buffer_frees"`
	SpawnHints         int64 `json:"spawn_hints"`
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		ObjectsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_objects_created_total",
				Help: "Total number of broker objects created, by kind",
			},
			[]string{"kind"},
		),
		ObjectsDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_objects_deleted_total",
				Help: "Total number of broker objects deleted, by kind",
			},
			[]string{"kind"},
		),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_commands_total",
				Help: "Total number of protocol commands consumed, by code",
			},
			[]string{"command"},
		),
		ReturnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_returns_total",
				Help: "Total number of protocol returns produced, by code",
			},
			[]string{"return"},
		),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_transactions_total",
				Help: "Total number of transactions started, by kind",
			},
			[]string{"kind"},
		),
		TransactionsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipcd_transactions_failed_total",
				Help: "Total number of failed transactions, by error return",
			},
			[]string{"error"},
		),
		TransactionBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ipcd_transaction_bytes",
				Help:    "Transaction payload size in bytes",
				Buckets: []float64{0, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
		),

		BufferAllocs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipcd_buffer_allocs_total",
				Help: "Total number of pool buffer allocations",
			},
		),
		BufferFrees: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipcd_buffer_frees_total",
				Help: "Total number of pool buffer frees",
			},
		),

		SpawnHints: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipcd_spawn_hints_total",
				Help: "Total number of looper spawn hints issued",
			},
		),

		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipcd_processes_active",
				Help: "Number of open endpoints",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipcd_ws_connections",
				Help: "Number of active WebSocket stats streams",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipcd_uptime_seconds",
				Help: "Broker uptime in seconds",
			},
		),
	}

	return m
}

// Registry returns the registry all collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartUptimeUpdater refreshes the uptime gauge once per second until the
// returned stop function is called.
func (m *Metrics) StartUptimeUpdater() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Uptime.Set(time.Since(m.startTime).Seconds())
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// RecordObjectCreated records the creation of a broker object.
func (m *Metrics) RecordObjectCreated(kind string) {
	m.ObjectsCreated.WithLabelValues(kind).Inc()
}

// RecordObjectDeleted records the deletion of a broker object.
func (m *Metrics) RecordObjectDeleted(kind string) {
	m.ObjectsDeleted.WithLabelValues(kind).Inc()
}

// RecordCommand records a consumed protocol command.
func (m *Metrics) RecordCommand(name string) {
	m.CommandsTotal.WithLabelValues(name).Inc()
}

// RecordReturn records a produced protocol return.
func (m *Metrics) RecordReturn(name string) {
	m.ReturnsTotal.WithLabelValues(name).Inc()
}

// RecordTransaction records a started transaction and its payload size.
func (m *Metrics) RecordTransaction(kind string, bytes int) {
	m.TransactionsTotal.WithLabelValues(kind).Inc()
	m.TransactionBytes.Observe(float64(bytes))

	m.mu.Lock()
	m.snapshot.TransactionsTotal++
	m.mu.Unlock()
}

// RecordTransactionFailure records a failed transaction by error return name.
func (m *Metrics) RecordTransactionFailure(errName string) {
	m.TransactionsFailed.WithLabelValues(errName).Inc()

	m.mu.Lock()
	m.snapshot.TransactionsFailed++
	m.mu.Unlock()
}

// RecordBufferAlloc records a pool allocation.
func (m *Metrics) RecordBufferAlloc() {
	m.BufferAllocs.Inc()

	m.mu.Lock()
	m.snapshot.BufferAllocs++
	m.mu.Unlock()
}

// RecordBufferFree records a pool free.
func (m *Metrics) RecordBufferFree() {
	m.BufferFrees.Inc()

	m.mu.Lock()
	m.snapshot.BufferFrees++
	m.mu.Unlock()
}

// RecordSpawnHint records an issued looper spawn hint.
func (m *Metrics) RecordSpawnHint() {
	m.SpawnHints.Inc()

	m.mu.Lock()
	m.snapshot.SpawnHints++
	m.mu.Unlock()
}

// SetProcessesActive sets the number of open endpoints.
func (m *Metrics) SetProcessesActive(count int) {
	m.ProcessesActive.Set(float64(count))

	m.mu.Lock()
	m.snapshot.Processes = int64(count)
	m.mu.Unlock()
}

// IncWSConnections increments the WebSocket stream gauge.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements the WebSocket stream gauge.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// GetSnapshot returns a copy of the current snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
