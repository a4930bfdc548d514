package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xornet"

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Messages     MessageMetrics    `json:"messages"`
	AntiEntropy  AEMetrics         `json:"anti_entropy"`
	Consensus    ConsensusMetrics  `json:"consensus"`
	Data         DataMetrics       `json:"data"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	RecvByKind   map[string]uint64 `json:"recv_by_kind"`
}

type MessageMetrics struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
}

type AEMetrics struct {
	Retry    uint64 `json:"retry"`
	Redirect uint64 `json:"redirect"`
	Update   uint64 `json:"update"`
	Probe    uint64 `json:"probe"`
}

type ConsensusMetrics struct {
	Aggregated  uint64 `json:"aggregated"`
	Decisions   uint64 `json:"decisions"`
	DkgOutcomes uint64 `json:"dkg_outcomes"`
	DkgFailures uint64 `json:"dkg_failures"`
}

type DataMetrics struct {
	ChunksStored  uint64 `json:"chunks_stored"`
	UsedSpace     int64  `json:"used_space"`
	PendingOps    int64  `json:"pending_ops"`
	QueriesOK     uint64 `json:"queries_ok"`
	QueriesFailed uint64 `json:"queries_failed"`
}

// Metrics keeps atomic counters and exposes them on a private prometheus registry.
type Metrics struct {
	msgReceived   atomic.Uint64
	msgDropped    atomic.Uint64
	msgSent       atomic.Uint64
	aeRetry       atomic.Uint64
	aeRedirect    atomic.Uint64
	aeUpdate      atomic.Uint64
	aeProbe       atomic.Uint64
	aggregated    atomic.Uint64
	decisions     atomic.Uint64
	dkgOutcomes   atomic.Uint64
	dkgFailures   atomic.Uint64
	chunksStored  atomic.Uint64
	usedSpace     atomic.Int64
	pendingOps    atomic.Int64
	queriesOK     atomic.Uint64
	queriesFailed atomic.Uint64

	mu           sync.Mutex
	dropByReason map[string]uint64
	recvByKind   map[string]uint64

	registry *prometheus.Registry
	drops    *prometheus.CounterVec
	recv     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		dropByReason: make(map[string]uint64),
		recvByKind:   make(map[string]uint64),
		registry:     prometheus.NewRegistry(),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_by_reason_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		recv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_by_kind_total",
			Help:      "Inbound messages, by message kind.",
		}, []string{"kind"}),
	}
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	m.registry.MustRegister(
		m.drops,
		m.recv,
		counter("messages_received_total", "Inbound wire messages.", &m.msgReceived),
		counter("messages_dropped_total", "Inbound wire messages dropped.", &m.msgDropped),
		counter("messages_sent_total", "Outbound wire messages.", &m.msgSent),
		counter("ae_retry_total", "Anti-entropy retries sent.", &m.aeRetry),
		counter("ae_redirect_total", "Anti-entropy redirects sent.", &m.aeRedirect),
		counter("ae_update_total", "Anti-entropy updates sent.", &m.aeUpdate),
		counter("ae_probe_total", "Anti-entropy probes handled.", &m.aeProbe),
		counter("aggregations_total", "Signature aggregations completed.", &m.aggregated),
		counter("decisions_total", "Membership decisions reached.", &m.decisions),
		counter("dkg_outcomes_total", "DKG sessions completed.", &m.dkgOutcomes),
		counter("dkg_failures_total", "DKG sessions failed.", &m.dkgFailures),
		counter("chunks_stored_total", "Chunks written to the local store.", &m.chunksStored),
		counter("queries_ok_total", "Client queries answered.", &m.queriesOK),
		counter("queries_failed_total", "Client queries failed.", &m.queriesFailed),
		gauge("used_space_bytes", "Bytes used by the chunk store.", &m.usedSpace),
		gauge("pending_ops", "Adult operations awaiting a response.", &m.pendingOps),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncRecvByKind(kind string) {
	m.msgReceived.Add(1)
	m.recv.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.recvByKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.msgDropped.Add(1)
	m.drops.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncSent()              { m.msgSent.Add(1) }
func (m *Metrics) IncAERetry()           { m.aeRetry.Add(1) }
func (m *Metrics) IncAERedirect()        { m.aeRedirect.Add(1) }
func (m *Metrics) IncAEUpdate()          { m.aeUpdate.Add(1) }
func (m *Metrics) IncAEProbe()           { m.aeProbe.Add(1) }
func (m *Metrics) IncAggregated()        { m.aggregated.Add(1) }
func (m *Metrics) IncDecision()          { m.decisions.Add(1) }
func (m *Metrics) IncDkgOutcome()        { m.dkgOutcomes.Add(1) }
func (m *Metrics) IncDkgFailure()        { m.dkgFailures.Add(1) }
func (m *Metrics) IncChunkStored()       { m.chunksStored.Add(1) }
func (m *Metrics) IncQueryOK()           { m.queriesOK.Add(1) }
func (m *Metrics) IncQueryFailed()       { m.queriesFailed.Add(1) }
func (m *Metrics) SetUsedSpace(n int64)  { m.usedSpace.Store(n) }
func (m *Metrics) AddPendingOps(n int64) { m.pendingOps.Add(n) }

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	recv := make(map[string]uint64, len(m.recvByKind))
	for k, v := range m.recvByKind {
		recv[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Messages: MessageMetrics{
			Received: m.msgReceived.Load(),
			Dropped:  m.msgDropped.Load(),
			Sent:     m.msgSent.Load(),
		},
		AntiEntropy: AEMetrics{
			Retry:    m.aeRetry.Load(),
			Redirect: m.aeRedirect.Load(),
			Update:   m.aeUpdate.Load(),
			Probe:    m.aeProbe.Load(),
		},
		Consensus: ConsensusMetrics{
			Aggregated:  m.aggregated.Load(),
			Decisions:   m.decisions.Load(),
			DkgOutcomes: m.dkgOutcomes.Load(),
			DkgFailures: m.dkgFailures.Load(),
		},
		Data: DataMetrics{
			ChunksStored:  m.chunksStored.Load(),
			UsedSpace:     m.usedSpace.Load(),
			PendingOps:    m.pendingOps.Load(),
			QueriesOK:     m.queriesOK.Load(),
			QueriesFailed: m.queriesFailed.Load(),
		},
		DropByReason: drops,
		RecvByKind:   recv,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// TopDropReasons lists reasons by count, highest first.
func (s Snapshot) TopDropReasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if s.DropByReason[out[i]] != s.DropByReason[out[j]] {
			return s.DropByReason[out[i]] > s.DropByReason[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Serve exposes /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
