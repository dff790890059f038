package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server accepts sessions from a ServerTransport and feeds their requests to a Dispatcher.
//
// Requests on a stdio session are handled strictly one after another: a response is written
// before the next line is read. Requests on a stream session are dispatched concurrently, bounded
// by WithServerMaxConcurrentCalls across all sessions, and their results may be sent in any order.
type Server struct {
	dispatcher *Dispatcher
	transport  ServerTransport

	sendTimeout        time.Duration
	maxConcurrentCalls int64
	calls              *semaphore.Weighted

	logger *slog.Logger

	onSessionStarted func(string, TransportKind)
	onSessionEnded   func(string)

	sessionsWaitGroup *sync.WaitGroup
	callsWaitGroup    *sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*serverSession
	errs     []error

	// closing keeps wait group additions from racing the drain in Shutdown.
	closing   sync.RWMutex
	closeOnce sync.Once
	done      chan struct{}
}

var (
	defaultServerSendTimeout        = 30 * time.Second
	defaultServerMaxConcurrentCalls = int64(64)

	errServerShuttingDown = errors.New("server is shutting down")
)

// NewServer creates a Server that serves dispatcher over transport.
func NewServer(dispatcher *Dispatcher, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		dispatcher:        dispatcher,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		callsWaitGroup:    &sync.WaitGroup{},
		sessions:          make(map[string]*serverSession),
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.maxConcurrentCalls <= 0 {
		s.maxConcurrentCalls = defaultServerMaxConcurrentCalls
	}
	s.calls = semaphore.NewWeighted(s.maxConcurrentCalls)

	return s
}

// WithServerSendTimeout bounds how long the server waits to hand a response to the transport.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerMaxConcurrentCalls bounds the number of stream-transport requests dispatched at the
// same time. Further requests wait for a free slot.
func WithServerMaxConcurrentCalls(n int64) ServerOption {
	return func(s *Server) {
		s.maxConcurrentCalls = n
	}
}

// WithServerOnSessionStarted sets a callback invoked with the session ID and transport kind
// when a session starts.
func WithServerOnSessionStarted(onSessionStarted func(string, TransportKind)) ServerOption {
	return func(s *Server) {
		s.onSessionStarted = onSessionStarted
	}
}

// WithServerOnSessionEnded sets a callback invoked with the session ID after a session ended
// and its in-flight requests finished.
func WithServerOnSessionEnded(onSessionEnded func(string)) ServerOption {
	return func(s *Server) {
		s.onSessionEnded = onSessionEnded
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "server"),
		)
	}
}

// Serve handles sessions until the transport stops producing them, then waits for the running
// sessions to end. For stdio this is when the input reaches EOF; for the stream transport it is
// after Shutdown.
//
// The returned error reports sessions that ended because the transport failed to write.
func (s *Server) Serve() error {
	for sess := range s.transport.Sessions() {
		logger := s.logger.With(
			slog.String("sessionID", sess.ID()),
			slog.String("transport", string(sess.Kind())),
		)
		ss := newServerSession(sess, s.dispatcher, logger, s.sendTimeout)

		if !s.register(ss) {
			logger.Info("refusing session, server is shutting down")
			sess.Stop()
			continue
		}

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onSessionStarted != nil {
				s.onSessionStarted(sess.ID(), sess.Kind())
			}
			logger.Info("session started")

			s.run(ss)

			s.mu.Lock()
			delete(s.sessions, sess.ID())
			if err := ss.err(); err != nil {
				s.errs = append(s.errs, err)
			}
			s.mu.Unlock()

			logger.Info("session ended")
			if s.onSessionEnded != nil {
				s.onSessionEnded(sess.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Shutdown stops accepting requests, waits for in-flight dispatches to finish so their results
// can still be delivered, stops every session and finally shuts the transport down. It returns
// an error if ctx ends first. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Lock()
		close(s.done)
		s.closing.Unlock()
	})

	calls := make(chan struct{})
	go func() {
		s.callsWaitGroup.Wait()
		close(calls)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for in-flight calls: %w", ctx.Err())
	case <-calls:
	}

	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()
	for _, ss := range sessions {
		ss.session.Stop()
	}

	ended := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(ended)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-ended:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *Server) run(ss *serverSession) {
	// Stop is idempotent; Shutdown may already have called it.
	defer ss.session.Stop()

	sessionCalls := &sync.WaitGroup{}
	defer sessionCalls.Wait()

	for msg, err := range ss.session.Messages() {
		if err != nil {
			// msg carries whatever id could be read from the bad message.
			ss.reply(msg.ID, err)
			if ss.err() != nil {
				return
			}
			continue
		}

		req, ok := ss.accept(msg)
		if !ok {
			continue
		}

		if ss.session.Kind() == TransportStdio {
			if !s.track() {
				ss.reject(req.ID, fmt.Errorf("%w: %w", ErrInternal, errServerShuttingDown))
				continue
			}
			ss.dispatch(context.Background(), req)
			s.callsWaitGroup.Done()
			if ss.err() != nil {
				return
			}
			continue
		}

		// Dispatch does not inherit the session's lifetime: a disconnect drops the result but
		// lets the handler finish.
		if err := s.calls.Acquire(context.Background(), 1); err != nil {
			ss.reject(req.ID, fmt.Errorf("%w: %w", ErrInternal, err))
			continue
		}
		if !s.track() {
			s.calls.Release(1)
			ss.reject(req.ID, fmt.Errorf("%w: %w", ErrInternal, errServerShuttingDown))
			continue
		}
		sessionCalls.Add(1)
		go func() {
			defer func() {
				s.calls.Release(1)
				sessionCalls.Done()
				s.callsWaitGroup.Done()
			}()
			ss.dispatch(context.Background(), req)
		}()
	}
}

// register records a new session. It reports false once Shutdown has begun.
func (s *Server) register(ss *serverSession) bool {
	s.closing.RLock()
	defer s.closing.RUnlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	s.sessions[ss.session.ID()] = ss
	s.mu.Unlock()
	s.sessionsWaitGroup.Add(1)
	return true
}

// track registers an in-flight dispatch. It reports false once Shutdown has begun.
func (s *Server) track() bool {
	s.closing.RLock()
	defer s.closing.RUnlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.callsWaitGroup.Add(1)
	return true
}
