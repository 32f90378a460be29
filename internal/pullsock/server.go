// Package pullsock serves the latest cached value of each codename over UDP.
package pullsock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"valuelog/internal/cache"
	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/model"
	"valuelog/internal/sysstatus"
	"valuelog/internal/udp"
)

const (
	OldData        = "OLD_DATA"
	NoData         = "NO_DATA"
	UnknownCommand = "UNKNOWN_COMMAND"
	BadRequest     = "BAD_REQUEST"
)

type Config struct {
	Host        string
	Port        int
	Name        string
	Codenames   []string
	Timeouts    map[string]time.Duration
	StaleFactor float64
	// ActivityTimeout of zero disables activity reporting.
	ActivityTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStatus enables the status command.
func WithStatus(reg *sysstatus.Registry, sys sysstatus.System) Option {
	return func(s *Server) {
		s.registry = reg
		s.system = &sys
	}
}

type Server struct {
	cfg      Config
	cache    *cache.Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	registry *sysstatus.Registry
	system   *sysstatus.System
	fallback time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	tracker *sysstatus.Tracker
}

func New(cfg Config, c *cache.Cache, opts ...Option) *Server {
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = 10
	}
	s := &Server{
		cfg:    cfg,
		cache:  c,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, t := range cfg.Timeouts {
		if t > s.fallback {
			s.fallback = t
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "pullsock")
	return s
}

// Listen binds the socket; Serve must follow.
func (s *Server) Listen() error {
	conn, err := udp.Listen(s.cfg.Host, s.cfg.Port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	if s.registry != nil {
		s.tracker = s.registry.Register(conn.LocalAddr().(*net.UDPAddr).Port, s.cfg.Name, "date_data", s.cfg.ActivityTimeout)
	}
	s.mu.Unlock()
	s.logger.Info("pull socket listening", "addr", conn.LocalAddr().String(), "name", s.cfg.Name)
	return nil
}

func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("pullsock: serve before listen")
	}
	return udp.Serve(ctx, conn, s.Handle, s.logger)
}

// Close unblocks Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Handle answers a single request line.
func (s *Server) Handle(request string) string {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	tracker.Touch()

	if !udp.IsASCII(request) {
		s.metrics.PullRequest("invalid")
		return BadRequest
	}
	head, arg, hasArg := strings.Cut(request, "#")
	if !hasArg {
		s.metrics.PullRequest(metricLabel(head))
		return s.command(head)
	}
	if strings.Contains(arg, "#") {
		s.metrics.PullRequest("invalid")
		return BadRequest
	}
	if head == "raw" {
		s.metrics.PullRequest("raw")
		names, ok := splitCodenames(arg)
		if !ok {
			return BadRequest
		}
		return s.rawList(names)
	}
	switch arg {
	case "raw", "json":
		s.metrics.PullRequest("codename#" + arg)
		if head == "" {
			return BadRequest
		}
		return s.single(head, arg)
	}
	s.metrics.PullRequest("unknown")
	return UnknownCommand
}

func (s *Server) command(cmd string) string {
	switch cmd {
	case "name":
		return s.cfg.Name
	case "codenames_raw":
		return strings.Join(s.cfg.Codenames, ",")
	case "codenames_json":
		return mustJSON(s.codenames())
	case "raw":
		return s.rawList(s.cfg.Codenames)
	case "raw_wn":
		parts := make([]string, 0, len(s.cfg.Codenames))
		for _, cn := range s.cfg.Codenames {
			parts = append(parts, cn+":"+s.rawValue(cn))
		}
		return strings.Join(parts, ";")
	case "json":
		points := make([]any, 0, len(s.cfg.Codenames))
		for _, cn := range s.cfg.Codenames {
			points = append(points, s.jsonValue(cn))
		}
		return mustJSON(points)
	case "json_wn":
		out := make(map[string]any, len(s.cfg.Codenames))
		for _, cn := range s.cfg.Codenames {
			out[cn] = s.jsonValue(cn)
		}
		return mustJSON(out)
	case "status":
		if s.system == nil {
			return UnknownCommand
		}
		sockets := map[string]sysstatus.SocketStatus{}
		if s.registry != nil {
			sockets = s.registry.Status()
		}
		return mustJSON(map[string]any{
			"system_status":        s.system.Complete(),
			"socket_server_status": sockets,
		})
	}
	return UnknownCommand
}

func (s *Server) codenames() []string {
	if s.cfg.Codenames == nil {
		return []string{}
	}
	return s.cfg.Codenames
}

func (s *Server) rawList(names []string) string {
	parts := make([]string, len(names))
	for i, cn := range names {
		parts[i] = s.rawValue(cn)
	}
	return strings.Join(parts, ";")
}

func (s *Server) single(cn, format string) string {
	if format == "json" {
		return mustJSON(s.jsonValue(cn))
	}
	return cn + ":" + s.rawValue(cn)
}

func (s *Server) rawValue(cn string) string {
	entry, ok := s.cache.Get(cn)
	switch {
	case !ok:
		return NoData
	case s.stale(cn, entry):
		return OldData
	}
	return FormatTime(entry.Time) + "," + FormatValue(entry.Value)
}

func (s *Server) jsonValue(cn string) any {
	entry, ok := s.cache.Get(cn)
	switch {
	case !ok:
		return NoData
	case s.stale(cn, entry):
		return OldData
	}
	return [2]float64{model.UnixSeconds(entry.Time), entry.Value}
}

// stale applies stale_factor to the codename's own timeout, falling back
// to the largest configured timeout. Without any timeout nothing goes stale.
func (s *Server) stale(cn string, entry cache.Entry) bool {
	timeout := s.cfg.Timeouts[cn]
	if timeout <= 0 {
		timeout = s.fallback
	}
	if timeout <= 0 {
		return false
	}
	limit := time.Duration(s.cfg.StaleFactor * float64(timeout))
	return s.now().Sub(entry.Arrival) > limit
}

func splitCodenames(arg string) ([]string, bool) {
	names := strings.Split(arg, ",")
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, false
		}
		names[i] = n
	}
	return names, true
}

func metricLabel(cmd string) string {
	switch cmd {
	case "name", "codenames_raw", "codenames_json", "raw", "raw_wn", "json", "json_wn", "status":
		return cmd
	}
	return "unknown"
}

func FormatTime(t time.Time) string {
	return strconv.FormatFloat(model.UnixSeconds(t), 'f', -1, 64)
}

func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return BadRequest
	}
	return string(b)
}
