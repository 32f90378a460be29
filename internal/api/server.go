package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"valuelog/internal/cache"
	"valuelog/internal/config"
	"valuelog/internal/ingest"
	"valuelog/internal/logging"
	"valuelog/internal/model"
	"valuelog/internal/pushsock"
	"valuelog/internal/recent"
	"valuelog/internal/sysstatus"
	"valuelog/internal/writer"
)

type Offerer interface {
	Offer(codename string, value float64, at time.Time) (model.Outcome, error)
}

// Deps are the components the API reports on. Nil members disable the
// endpoints that need them.
type Deps struct {
	Station  string
	Version  string
	Cache    *cache.Cache
	State    *pushsock.TargetState
	Recent   *recent.Store
	Pipeline Offerer
	Writer   func() writer.Stats
	Registry *sysstatus.Registry
	System   *sysstatus.System
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg    config.APIConfig
	deps   Deps
	logger *slog.Logger
	parser *ingest.Parser
	http   *http.Server
	ln     net.Listener
}

type statusResponse struct {
	Status    string                            `json:"status"`
	Station   string                            `json:"station"`
	Time      string                            `json:"time"`
	Version   string                            `json:"version"`
	Codenames int                               `json:"codenames"`
	Writer    *writer.Stats                     `json:"writer,omitempty"`
	Sockets   map[string]sysstatus.SocketStatus `json:"socket_server_status"`
	System    map[string]any                    `json:"system_status,omitempty"`
}

type datapoint struct {
	Time    float64 `json:"time"`
	Value   float64 `json:"value"`
	Arrival string  `json:"arrival"`
	AgeSec  float64 `json:"age_seconds"`
}

func New(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
		parser: ingest.NewParser(nil),
	}
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/datapoints", s.handleDatapoints)
	mux.HandleFunc("/datapoints/", s.handleDatapoints)
	mux.HandleFunc("/setpoints", s.handleSetpoints)
	mux.HandleFunc("/samples", s.handleSamples)
	mux.HandleFunc("/samples/recent", s.handleRecent)
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("api enabled", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs until ctx is done, then shuts down with a short grace.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("api: serve before listen")
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(ctxShutdown)
	}()
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("api server error", "err", err)
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status:  "ok",
		Station: s.deps.Station,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.deps.Version,
		Sockets: map[string]sysstatus.SocketStatus{},
	}
	if s.deps.Cache != nil {
		resp.Codenames = s.deps.Cache.Len()
	}
	if s.deps.Writer != nil {
		stats := s.deps.Writer()
		resp.Writer = &stats
	}
	if s.deps.Registry != nil {
		resp.Sockets = s.deps.Registry.Status()
	}
	if s.deps.System != nil {
		resp.System = s.deps.System.Complete()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDatapoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Cache == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	now := time.Now()
	cn := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/datapoints"), "/")
	if cn != "" {
		entry, ok := s.deps.Cache.Get(cn)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"codename": cn, "datapoint": toDatapoint(entry, now)})
		return
	}
	all := s.deps.Cache.Snapshot()
	out := make(map[string]datapoint, len(all))
	for k, e := range all {
		out[k] = toDatapoint(e, now)
	}
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": out, "count": len(out)})
}

func toDatapoint(e cache.Entry, now time.Time) datapoint {
	return datapoint{
		Time:    model.UnixSeconds(e.Time),
		Value:   e.Value,
		Arrival: e.Arrival.UTC().Format(time.RFC3339Nano),
		AgeSec:  now.Sub(e.Arrival).Seconds(),
	}
}

func (s *Server) handleSetpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.State == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	last, at := s.deps.State.Last()
	resp := map[string]any{
		"setpoints": s.deps.State.Snapshot(),
		"version":   s.deps.State.Version(),
		"updated":   s.deps.State.Updated(),
		"last":      last,
	}
	if !at.IsZero() {
		resp["last_at"] = at.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSamples offers posted sample lines to the pipeline, one per line.
func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Pipeline == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	kept, rejected := 0, 0
	var failures []string
	for _, line := range strings.Split(string(body), "\n") {
		readings, err := s.parser.ParseLine(line)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		for _, rd := range readings {
			out, err := s.deps.Pipeline.Offer(rd.Codename, rd.Value, rd.Time)
			switch {
			case err != nil:
				failures = append(failures, rd.Codename+": "+err.Error())
			case out.Verdict.Kept():
				kept++
			default:
				rejected++
			}
		}
	}
	status := http.StatusOK
	if kept+rejected == 0 && len(failures) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"kept":     kept,
		"rejected": rejected,
		"failed":   len(failures),
		"errors":   failures,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recent == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Sample
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := ingest.ParseTimestamp(sinceStr, time.UTC)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deps.Recent.Since(ts)
	} else {
		list = s.deps.Recent.List(r.URL.Query().Get("codename"), limit)
	}
	points := make([]map[string]any, 0, len(list))
	for _, p := range list {
		points = append(points, map[string]any{"codename": p.Codename, "time": model.UnixSeconds(p.Time), "value": p.Value})
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": points, "count": len(points)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
