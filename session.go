package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// serverSession is the server's bookkeeping for one transport session: handshake state, the
// ids of requests still being dispatched, and the sequence used for requests sent without an id.
type serverSession struct {
	session     Session
	dispatcher  *Dispatcher
	logger      *slog.Logger
	sendTimeout time.Duration

	negotiated atomic.Bool
	seq        atomic.Int64

	mu      sync.Mutex
	pending map[RequestID]struct{}
	// fatal is set when a stdio session can no longer write.
	fatal error
}

func newServerSession(sess Session, dispatcher *Dispatcher, logger *slog.Logger, sendTimeout time.Duration) *serverSession {
	return &serverSession{
		session:     sess,
		dispatcher:  dispatcher,
		logger:      logger,
		sendTimeout: sendTimeout,
		pending:     make(map[RequestID]struct{}),
	}
}

// accept validates an incoming message and registers it as pending. It answers protocol errors
// itself and reports false when there is nothing to dispatch.
func (s *serverSession) accept(msg JSONRPCMessage) (CallRequest, bool) {
	if msg.JSONRPC != "" && msg.JSONRPC != JSONRPCVersion {
		s.reply(msg.ID, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrInvalidRequest, msg.JSONRPC))
		return CallRequest{}, false
	}

	if msg.Method == "" {
		if msg.Result != nil || msg.Error != nil {
			// The server never sends requests, so any response is unsolicited.
			s.logger.Debug("ignoring response from client", slog.String("id", msg.ID.String()))
			return CallRequest{}, false
		}
		s.reply(msg.ID, fmt.Errorf("%w: missing method", ErrInvalidRequest))
		return CallRequest{}, false
	}

	if strings.HasPrefix(msg.Method, methodNotificationsPrefix) {
		s.handleNotification(msg)
		return CallRequest{}, false
	}

	req, err := RequestFromMessage(msg)
	if err != nil {
		s.reply(msg.ID, err)
		return CallRequest{}, false
	}

	s.mu.Lock()
	if req.ID.IsZero() {
		for {
			req.ID = NumberID(s.seq.Add(1))
			if _, ok := s.pending[req.ID]; !ok {
				break
			}
		}
	} else if _, ok := s.pending[req.ID]; ok {
		s.mu.Unlock()
		s.reply(req.ID, fmt.Errorf("%w: request id %s is already in flight", ErrInvalidRequest, req.ID))
		return CallRequest{}, false
	}
	s.pending[req.ID] = struct{}{}
	s.mu.Unlock()

	return req, true
}

// dispatch runs an accepted request through the dispatcher and sends the result.
func (s *serverSession) dispatch(ctx context.Context, req CallRequest) {
	res := s.dispatcher.Dispatch(ctx, req, s.negotiated.Load())
	if req.Method == MethodInitialize && res.Err == nil {
		s.negotiated.Store(true)
	}

	s.mu.Lock()
	delete(s.pending, req.ID)
	s.mu.Unlock()

	s.send(res.Message())
}

// reject answers an accepted request without dispatching it.
func (s *serverSession) reject(id RequestID, err error) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	s.reply(id, err)
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Debug("client confirmed initialization")
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Warn("failed to unmarshal cancel notification", slog.String("err", err.Error()))
			return
		}
		// Dispatched calls run to completion; a cancel only makes the caller stop waiting.
		s.logger.Info("client cancelled request",
			slog.String("id", params.RequestID.String()),
			slog.String("reason", params.Reason),
		)
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

// reply sends an error response for a message that never reached the dispatcher.
func (s *serverSession) reply(id RequestID, err error) {
	s.logger.Info("rejected message", slog.String("id", id.String()), slog.String("err", err.Error()))
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   newJSONRPCError(err, nil),
	})
}

func (s *serverSession) send(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	err := s.session.Send(ctx, msg)
	if err == nil {
		return
	}

	if s.session.Kind() == TransportStdio {
		s.logger.Error("failed to write response, closing session", slog.String("err", err.Error()))
		s.mu.Lock()
		if s.fatal == nil {
			s.fatal = fmt.Errorf("stdio session %s: %w", s.session.ID(), err)
		}
		s.mu.Unlock()
		return
	}
	s.logger.Warn("dropping result, session is gone",
		slog.String("id", msg.ID.String()),
		slog.String("err", err.Error()),
	)
}

func (s *serverSession) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}
