// Package status serves the operational HTTP endpoint: process liveness on
// /healthz and a component snapshot on /statusz. Both are read-only JSON and
// never expose order book payloads.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bookflow/cache"
	appconfig "bookflow/config"
	"bookflow/feed"
	"bookflow/internal/channel"
	"bookflow/logger"
)

// Server hosts the status endpoint. NewServer returns nil when the endpoint
// is disabled; every method is nil-safe so main can wire it unconditionally.
type Server struct {
	addr       string
	app        appconfig.BookflowConfig
	log        *logger.Log
	adapters   []feed.Adapter
	channels   *channel.Channels
	books      *cache.Cache
	httpServer *http.Server
	startedAt  time.Time
}

func NewServer(config *appconfig.Config, adapters []feed.Adapter, channels *channel.Channels, books *cache.Cache) *Server {
	if !config.Status.Enabled {
		return nil
	}
	return &Server{
		addr:      normalizeAddress(config.Status.Addr),
		app:       config.Bookflow,
		log:       logger.GetLogger(),
		adapters:  adapters,
		channels:  channels,
		books:     books,
		startedAt: time.Now(),
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start begins serving in the background. Listen errors after startup are
// logged, not returned; the endpoint is observability, never a reason to
// take the process down.
func (s *Server) Start() {
	if s == nil {
		return
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := s.log.WithComponent("status")
	log.WithFields(logger.Fields{"addr": s.addr}).Info("starting status server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("status server exited")
		}
	}()
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() {
	if s == nil || s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithComponent("status").WithError(err).Warn("status server shutdown failed")
		return
	}
	s.log.WithComponent("status").Info("status server stopped")
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/statusz", s.handleStatusz).Methods(http.MethodGet)
	return router
}

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	App        string                     `json:"app"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentHealth `json:"components"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	live, total := s.connectionCounts()

	feeds := componentHealth{Status: "up"}
	switch {
	case total == 0:
		feeds = componentHealth{Status: "down", Detail: "no connections"}
	case live == 0:
		feeds = componentHealth{Status: "down", Detail: "0 live connections"}
	case live < total:
		feeds = componentHealth{Status: "degraded", Detail: fmt.Sprintf("%d of %d connections live", live, total)}
	}

	resp := healthResponse{
		Status:  "ok",
		App:     s.app.Name,
		Version: s.app.Version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Components: map[string]componentHealth{
			"feeds": feeds,
			"cache": {Status: "up"},
		},
	}
	if feeds.Status != "up" {
		resp.Status = "degraded"
	}
	writeJSON(w, resp)
}

type feedStatus struct {
	Exchange    string                 `json:"exchange"`
	Connections []feed.ConnectionState `json:"connections"`
}

type channelStatus struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

type cacheStatus struct {
	Books    int   `json:"books"`
	Fresh    int   `json:"fresh"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Upserts  int64 `json:"upserts"`
	Rejected int64 `json:"rejected"`
	Evicted  int64 `json:"evicted"`
}

type statusResponse struct {
	App       string        `json:"app"`
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    string        `json:"uptime"`
	Feeds     []feedStatus  `json:"feeds"`
	Channels  channelStatus `json:"channels"`
	Cache     cacheStatus   `json:"cache"`
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		App:       s.app.Name,
		Version:   s.app.Version,
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Feeds:     make([]feedStatus, 0, len(s.adapters)),
	}

	for _, adapter := range s.adapters {
		resp.Feeds = append(resp.Feeds, feedStatus{
			Exchange:    adapter.Exchange(),
			Connections: adapter.Connections(),
		})
	}

	if s.channels != nil {
		stats := s.channels.Books.GetStats()
		resp.Channels = channelStatus{Sent: stats.Sent, Dropped: stats.Dropped}
	}
	if s.books != nil {
		stats := s.books.Stats()
		resp.Cache = cacheStatus{
			Books:    s.books.Len(),
			Fresh:    len(s.books.AllBestPrices()),
			Hits:     stats.Hits,
			Misses:   stats.Misses,
			Upserts:  stats.Upserts,
			Rejected: stats.Rejected,
			Evicted:  stats.Evicted,
		}
	}
	writeJSON(w, resp)
}

func (s *Server) connectionCounts() (live, total int) {
	for _, adapter := range s.adapters {
		for _, conn := range adapter.Connections() {
			total++
			if conn.Status == feed.StatusLive {
				live++
			}
		}
	}
	return live, total
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
