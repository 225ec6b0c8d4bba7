// Package server implements the TCP listener and per-connection state
// machine: admission control over concurrent clients, exponential backoff
// on repeated accept failures, and a two-phase graceful shutdown that stops
// the accept loop before draining in-flight connections.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/harryheman/mini-redis/internal/broadcast"
	"github.com/harryheman/mini-redis/internal/logging"
	"github.com/harryheman/mini-redis/internal/metrics"
	"github.com/harryheman/mini-redis/internal/resp"
	"github.com/harryheman/mini-redis/internal/shutdownsig"
)

// Database is the subset of store.Store the connection handlers need. It is
// declared here, rather than imported from package store, so store stays
// free of any dependency on the connection layer.
type Database interface {
	Get(key string) ([]byte, bool)
	// Set stores value at key. A negative ttl means the key never expires;
	// a ttl of 0 or more schedules expiry at now+ttl.
	Set(key string, value []byte, ttl time.Duration)
	Subscribe(channel string) *broadcast.Subscription
	Publish(channel string, payload []byte) int
}

// DefaultMaxConnections is the admission-control ceiling used when no
// WithMaxConnections option is supplied.
const DefaultMaxConnections = 250

const (
	acceptBackoffInitial = time.Second
	acceptBackoffMax     = 64 * time.Second
	acceptMaxFailures    = 7
)

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu sync.RWMutex

	addr           string
	db             Database
	maxConnections int64
	sem            *semaphore.Weighted

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener net.Listener

	shutdownSig *shutdownsig.Signal
	triggerShut func()

	connsMu sync.Mutex
	conns   map[uint64]net.Conn

	wg          sync.WaitGroup
	logger      *slog.Logger
	nextConnID  uint64
	totalAccept atomic.Uint64
	totalActive atomic.Int64
}

// Option configures a Server at construction time.
type Option func(*Server)

// NewServer constructs a Server. db must be non-nil before Serve is called.
func NewServer(db Database, opts ...Option) *Server {
	sig, trigger := shutdownsig.New()
	s := &Server{
		db:             db,
		addr:           ":6379",
		maxConnections: DefaultMaxConnections,
		readyCh:        make(chan struct{}),
		errCh:          make(chan error, 1),
		conns:          make(map[uint64]net.Conn),
		logger:         logging.L(),
		shutdownSig:    sig,
		triggerShut:    trigger,
	}
	for _, o := range opts {
		o(s)
	}
	s.sem = semaphore.NewWeighted(s.maxConnections)
	return s
}

// WithListenAddr overrides the default ":6379" listen address.
func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }

// WithMaxConnections overrides DefaultMaxConnections.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConnections = int64(n)
		}
	}
}

// WithLogger overrides the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the listen address and runs the accept loop until ctx is
// canceled, Shutdown is called, or a fatal listener error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.readyCh) })
	metrics.SetReadinessFunc(func() bool { return !s.shutdownSig.IsShutdown() })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	return s.acceptLoop(ctx, ln)
}

// acceptLoop blocks on the admission-control semaphore before every Accept,
// so the server never holds more than maxConnections sockets open at once,
// and retries transient Accept errors with exponential backoff. Up to
// acceptMaxFailures consecutive failures are each followed by a backoff
// sleep and a retry; the next consecutive failure aborts the loop.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acceptBackoffInitial
	bo.MaxInterval = acceptBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	consecutiveFailures := 0

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil // context canceled while waiting for a free slot
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdownSig.Done():
				return nil
			default:
			}

			consecutiveFailures++
			metrics.IncAcceptError()
			if consecutiveFailures > acceptMaxFailures {
				wrap := fmt.Errorf("%w: too many consecutive accept failures: %v", ErrAccept, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			d := bo.NextBackOff()
			s.logger.Warn("accept_error_backoff", "error", err, "attempt", consecutiveFailures, "delay", d)
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.shutdownSig.Done():
				timer.Stop()
				return nil
			}
			continue
		}

		consecutiveFailures = 0
		bo.Reset()
		s.acceptConn(conn)
	}
}

func (s *Server) acceptConn(conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	s.totalAccept.Add(1)
	metrics.IncConnectionAccepted()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()
	active := s.totalActive.Add(1)
	metrics.SetConnectionsActive(int(active))

	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	connLogger.Info("client_connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.connsMu.Lock()
			delete(s.conns, connID)
			s.connsMu.Unlock()
			s.sem.Release(1)
			active := s.totalActive.Add(-1)
			metrics.SetConnectionsActive(int(active))
			connLogger.Info("client_disconnected")
		}()

		h := &connHandler{
			conn:     resp.NewConn(conn),
			db:       s.db,
			shutdown: s.shutdownSig,
			logger:   connLogger,
		}
		h.run()
	}()
}

// Shutdown triggers the shutdown signal, closes the listener and every
// open connection, and waits for their handler goroutines to drain or for
// ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.triggerShut()

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.connsMu.Lock()
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccept.Load())
		return nil
	}
}
