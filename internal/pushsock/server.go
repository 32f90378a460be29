// Package pushsock accepts setpoint writes over UDP and keeps them in a
// TargetState for controller loops to poll.
package pushsock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/sysstatus"
	"valuelog/internal/udp"
)

const (
	ack         = "ACK:"
	ret         = "RET:"
	errPrefix   = "ERROR:"
	writePrefix = "json_wn#"
)

var commands = []string{"json_wn#", "name", "commands"}

type Config struct {
	Host            string
	Port            int
	Name            string
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

func WithRegistry(reg *sysstatus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

type Server struct {
	cfg      Config
	state    *TargetState
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *sysstatus.Registry

	mu      sync.Mutex
	conn    *net.UDPConn
	tracker *sysstatus.Tracker
}

func New(cfg Config, state *TargetState, opts ...Option) *Server {
	s := &Server{cfg: cfg, state: state, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "pushsock")
	return s
}

func (s *Server) Listen() error {
	conn, err := udp.Listen(s.cfg.Host, s.cfg.Port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	if s.registry != nil {
		s.tracker = s.registry.Register(conn.LocalAddr().(*net.UDPAddr).Port, s.cfg.Name, "push", s.cfg.ActivityTimeout)
	}
	s.mu.Unlock()
	s.logger.Info("push socket listening", "addr", conn.LocalAddr().String(), "name", s.cfg.Name)
	return nil
}

func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("pushsock: serve before listen")
	}
	return udp.Serve(ctx, conn, s.Handle, s.logger)
}

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

func (s *Server) State() *TargetState { return s.state }

// Handle answers one request. A write is validated in full before any
// key reaches the target state.
func (s *Server) Handle(request string) string {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	tracker.Touch()

	switch request {
	case "name":
		s.metrics.PushRequest("ret")
		return ret + s.cfg.Name
	case "commands":
		s.metrics.PushRequest("ret")
		return ret + strings.Join(commands, ",")
	}
	payload, ok := strings.CutPrefix(request, writePrefix)
	if !ok {
		s.metrics.PushRequest("unknown")
		return errPrefix + "UNKNOWN_COMMAND"
	}
	if !udp.IsASCII(payload) {
		s.metrics.PushRequest("error")
		return errPrefix + "non-ascii"
	}
	values, err := ParsePayload(payload)
	if err == nil {
		err = s.state.Schema().Validate(values)
	}
	if err != nil {
		s.metrics.PushRequest("error")
		s.logger.Debug("push rejected", "payload", payload, "reason", err.Error())
		return errPrefix + err.Error()
	}
	version := s.state.Apply(values, payload)
	s.metrics.PushRequest("ack")
	s.logger.Debug("push accepted", "payload", payload, "version", version)
	return ack + payload
}
