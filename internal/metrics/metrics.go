package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/harryheman/mini-redis/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_accepted_total",
		Help: "Total TCP connections accepted.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Current number of open connections.",
	})
	AcceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accept_errors_total",
		Help: "Total errors returned by the listener's Accept call.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Total commands processed, by command name.",
	}, []string{"command"})
	PubSubFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_fanout",
		Help: "Subscriber count observed by the most recent PUBLISH.",
	})
	PubSubLagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_lagged_total",
		Help: "Total times a subscriber fell behind its channel's retention window.",
	})
	ReaperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_evictions_total",
		Help: "Total keys evicted by the background TTL reaper.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Total frames rejected by command parsing (non-array frame, bad argument, extra tokens, bad SET option). Frame decode errors are counted under errors_total{where=\"conn_read\"}.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrListen    = "listen"
	ErrAccept    = "accept"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrProtocol  = "protocol"
	ErrContext   = "context_cancelled"
)

// StartHTTP serves Prometheus metrics at /metrics on a dedicated mux, plus a
// /ready endpoint reflecting the registered readiness function.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging without scraping
// Prometheus.
var (
	localAccepted  uint64
	localActive    uint64
	localAcceptErr uint64
	localFanout    uint64
	localLagged    uint64
	localEvictions uint64
	localErrors    uint64
	localProtocol  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Accepted   uint64
	Active     uint64
	AcceptErrs uint64
	Fanout     uint64
	Lagged     uint64
	Evictions  uint64
	Errors     uint64
	Protocol   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted:   atomic.LoadUint64(&localAccepted),
		Active:     atomic.LoadUint64(&localActive),
		AcceptErrs: atomic.LoadUint64(&localAcceptErr),
		Fanout:     atomic.LoadUint64(&localFanout),
		Lagged:     atomic.LoadUint64(&localLagged),
		Evictions:  atomic.LoadUint64(&localEvictions),
		Errors:     atomic.LoadUint64(&localErrors),
		Protocol:   atomic.LoadUint64(&localProtocol),
	}
}

// IncConnectionAccepted records one accepted connection.
func IncConnectionAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

// SetConnectionsActive records the current open-connection count.
func SetConnectionsActive(n int) {
	ConnectionsActive.Set(float64(n))
	atomic.StoreUint64(&localActive, uint64(n))
}

// IncAcceptError records one error returned from Accept.
func IncAcceptError() {
	AcceptErrors.Inc()
	atomic.AddUint64(&localAcceptErr, 1)
}

// IncCommand records one processed command by name.
func IncCommand(name string) {
	CommandsTotal.WithLabelValues(name).Inc()
}

// SetPubSubFanout records the subscriber count seen by the most recent
// PUBLISH.
func SetPubSubFanout(n int) {
	PubSubFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// IncPubSubLagged records one subscriber falling behind its channel.
func IncPubSubLagged() {
	PubSubLagged.Inc()
	atomic.AddUint64(&localLagged, 1)
}

// IncReaperEviction records one key evicted by the TTL reaper.
func IncReaperEviction() {
	ReaperEvictions.Inc()
	atomic.AddUint64(&localEvictions, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncProtocolError() {
	ProtocolErrors.Inc()
	atomic.AddUint64(&localProtocol, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at
// startup) and pre-registers common error label series so the first error
// does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrListen, ErrAccept, ErrConnRead, ErrConnWrite, ErrProtocol, ErrContext} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
