package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/xtaci/sshtarpit/internal/tarpit"
)

// StatsStore is the subset of storage.Store the /api/stats handler needs.
type StatsStore interface {
	GetStatsJSON(ctx context.Context, from, to *time.Time) (interface{}, error)
}

// Logger is the subset of tarpit.Logger the dashboard needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// EngineTotals supplies the tarpit engine's lifetime totals for /metrics.
// *tarpit.StatisticsAggregator satisfies it.
type EngineTotals interface {
	TotalsSnapshot() tarpit.Statistics
}

// Server is the dashboard's HTTP surface: a websocket live feed on /ws, a
// stats query API on /api/stats, and Prometheus metrics on /metrics.
type Server struct {
	Addr   string
	Hub    *Hub
	Store  StatsStore
	Totals EngineTotals
	Logger Logger

	upgrader websocket.Upgrader
	registry *prometheus.Registry

	connectsTotal    prometheus.CounterFunc
	disconnectsTotal prometheus.CounterFunc
	engineConnects   prometheus.CounterFunc
	engineLost       prometheus.CounterFunc
	engineBytes      prometheus.CounterFunc
	activeGauge      prometheus.GaugeFunc
	goroutineGauge   prometheus.GaugeFunc
	processCPU       prometheus.GaugeFunc
	processRSS       prometheus.GaugeFunc
}

// NewServer builds a Server, registering counters for observed events,
// the engine's lifetime totals when totals is non-nil, and gauges for
// process CPU/RSS collected via gopsutil.
func NewServer(addr string, hub *Hub, store StatsStore, totals EngineTotals, logger Logger) *Server {
	s := &Server{
		Addr:   addr,
		Hub:    hub,
		Store:  store,
		Totals: totals,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: prometheus.NewRegistry(),
	}
	factory := promauto.With(s.registry)

	s.connectsTotal = factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sshtarpit_dashboard_connects_total",
		Help: "Connect events observed by the dashboard hub.",
	}, func() float64 {
		connects, _ := hub.Counts()
		return float64(connects)
	})
	s.disconnectsTotal = factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sshtarpit_dashboard_disconnects_total",
		Help: "Disconnect events observed by the dashboard hub.",
	}, func() float64 {
		_, disconnects := hub.Counts()
		return float64(disconnects)
	})
	s.activeGauge = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sshtarpit_active_connections",
		Help: "Currently tarpitted connections known to the dashboard.",
	}, func() float64 {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return float64(len(hub.active))
	})
	s.goroutineGauge = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sshtarpit_goroutines",
		Help: "Current number of goroutines.",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	if totals != nil {
		s.engineConnects = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "sshtarpit_connects_total",
			Help: "Lifetime connections admitted by the tarpit engine.",
		}, func() float64 {
			return float64(totals.TotalsSnapshot().Connects)
		})
		s.engineLost = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "sshtarpit_lost_clients_total",
			Help: "Lifetime clients dropped after a failed write.",
		}, func() float64 {
			return float64(totals.TotalsSnapshot().LostClients)
		})
		s.engineBytes = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "sshtarpit_sent_bytes_total",
			Help: "Lifetime bytes trickled to tarpitted clients.",
		}, func() float64 {
			return float64(totals.TotalsSnapshot().BytesSent)
		})
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.processCPU = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshtarpit_process_cpu_percent",
			Help: "Self-reported process CPU usage percent.",
		}, func() float64 {
			pct, _ := proc.CPUPercent()
			return pct
		})
		s.processRSS = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshtarpit_process_rss_bytes",
			Help: "Self-reported process resident set size.",
		}, func() float64 {
			mi, err := proc.MemoryInfo()
			if err != nil || mi == nil {
				return 0
			}
			return float64(mi.RSS)
		})
	}

	return s
}

func (s *Server) router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/ws", s.handleWS)
	r.GET("/api/stats", s.handleStats)
	r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// handleWS upgrades to a websocket and streams the init snapshot, a ready
// marker, then live events until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warnf("websocket upgrade failed: %v", err)
		}
		return
	}
	defer conn.Close()

	events, active := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(events)

	initMsg, err := MarshalInit(active)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, initMsg); err != nil {
		return
	}

	readyMsg, err := json.Marshal(Event{Type: "ready"})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, readyMsg); err != nil {
		return
	}

	// Drain client reads in the background purely to notice disconnects;
	// the dashboard protocol is server -> client only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// handleStats serves pre-aggregated connection statistics for the
// requested time span.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var from, to *time.Time

	if v := r.URL.Query().Get("from"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(sec, 0).UTC()
			from = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(sec, 0).UTC()
			to = &t
		}
	}

	if s.Store == nil {
		http.Error(w, "stats store not configured", http.StatusServiceUnavailable)
		return
	}

	rows, err := s.Store.GetStatsJSON(r.Context(), from, to)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Errorf("stats query failed: %v", err)
		}
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
