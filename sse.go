package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport. Clients open an
// event stream with HandleSSE, learn their message endpoint from the first "endpoint" event and
// post requests to HandleMessage. Responses are pushed on the event stream as "message" events,
// interleaved with keepalive comments.
//
// Instances should be created using NewSSEServer and shut down using Shutdown.
type SSEServer struct {
	messageURL        string
	keepAliveInterval time.Duration
	maxBodySize       int64
	logger            *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseServerSession

	newSessions chan *sseServerSession

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) ClientTransport. Instances should be created
// using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id       string
	sess     *sse.Session
	logger   *slog.Logger
	sendMsgs chan sseServerSessionSendMsg
	received chan JSONRPCMessage

	stopOnce sync.Once
	done     chan struct{}
	// gone is closed when the event stream handler returns.
	gone chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	body     io.ReadCloser
	cancel   context.CancelFunc
	messages chan JSONRPCMessage

	stopOnce sync.Once
	done     chan struct{}
	closed   chan struct{}
}

var (
	defaultSSEKeepAliveInterval = 15 * time.Second
	defaultSSEMaxBodySize       = int64(4 << 20)

	errSessionClosed = errors.New("session is closed")
)

// NewSSEServer creates an SSE server that tells clients to post their messages to messageURL.
// The URL may be relative; clients resolve it against the event stream URL.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:  messageURL,
		logger:      slog.Default(),
		sessions:    make(map[string]*sseServerSession),
		newSessions: make(chan *sseServerSession),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.keepAliveInterval <= 0 {
		s.keepAliveInterval = defaultSSEKeepAliveInterval
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = defaultSSEMaxBodySize
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "sse"),
		)
	}
}

// WithSSEServerKeepAliveInterval sets how often a keepalive comment is written to each idle
// event stream. A failed keepalive write ends the session.
func WithSSEServerKeepAliveInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepAliveInterval = interval
	}
}

// WithSSEServerMaxBodySize limits the size of a posted message.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event received from the server.
// A larger event ends the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "sse-client"),
		)
	}
}

// Sessions returns an iterator over new client sessions. It ends when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.newSessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops producing sessions and waits for the Sessions iteration to end.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for GET requests that open an event stream. The handler
// assigns a session ID, sends the message endpoint as an "endpoint" event and keeps the
// connection open until the client disconnects or the session is stopped.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Form an url for the client that can be used to communicate with the server session.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:       sessID,
			sess:     sess,
			logger:   s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs: make(chan sseServerSessionSendMsg),
			received: make(chan JSONRPCMessage, 16),
			done:     make(chan struct{}),
			gone:     make(chan struct{}),
		}
		defer close(srvSession.gone)

		s.mu.Lock()
		s.sessions[sessID] = srvSession
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
		}()

		// Hand the session to the Sessions loop.
		select {
		case s.newSessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		srvSession.processSendMessages(r.Context(), s.keepAliveInterval)
	})
}

// HandleMessage returns an http.Handler for POST requests carrying one JSON-RPC message. The
// sessionID query parameter selects the session. The response is 202 Accepted once the message
// is queued; its result arrives on the session's event stream. A missing session ID or a
// malformed body yields 400 (the latter with a JSON-RPC error body), an unknown session 404 and a
// body over the size limit 413.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.logger.Warn("message body too large", slog.Int64("limit", maxErr.Limit))
				writeJSONRPCError(w, http.StatusRequestEntityTooLarge, "",
					fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidRequest, maxErr.Limit))
				return
			}
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		msg, err := decodeMessage(body)
		if err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, err)
			return
		}

		select {
		case sess.received <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session is closed", http.StatusNotFound)
		case <-sess.gone:
			http.Error(w, "session is closed", http.StatusNotFound)
		case <-r.Context().Done():
		}
	})
}

// StartSession opens the event stream and waits for the server's endpoint event.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	connectURL, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	// The stream outlives ctx; it is closed by Stop.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		body:       resp.Body,
		cancel:     cancel,
		messages:   make(chan JSONRPCMessage, 16),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	endpoints := make(chan *url.URL, 1)
	go sess.listen(connectURL, s.maxPayloadSize, endpoints)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	case <-sess.closed:
		sess.Stop()
		return nil, errors.New("event stream closed before endpoint event")
	case u := <-endpoints:
		sess.messageURL = u.String()
		sess.id = u.Query().Get("sessionID")
	}

	return sess, nil
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Kind() TransportKind { return TransportStream }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message so only the handler goroutine writes to the stream.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	case <-s.done:
		return errSessionClosed
	case <-s.gone:
		return errSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for write result: %w", ctx.Err())
	}
}

func (s *sseServerSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for {
			select {
			case msg := <-s.received:
				if !yield(msg, nil) {
					return
				}
			case <-s.done:
				return
			case <-s.gone:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.gone
}

// processSendMessages writes queued messages and keepalive comments until the client goes away
// or the session is stopped.
func (s *sseServerSession) processSendMessages(ctx context.Context, keepAliveInterval time.Duration) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.write(sm.msg)
			sm.errs <- err
			if err != nil {
				return
			}
		case <-ticker.C:
			keepAlive := &sse.Message{}
			keepAlive.AppendComment("keepalive")
			if err := s.write(keepAlive); err != nil {
				return
			}
		case <-ctx.Done():
			s.logger.Info("client disconnected")
			return
		case <-s.done:
			return
		}
	}
}

func (s *sseServerSession) write(msg *sse.Message) error {
	if err := s.sess.Send(msg); err != nil {
		s.logger.Warn("failed to send message", slog.String("err", err.Error()))
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) Kind() TransportKind { return TransportStream }

// Send posts the message to the session's endpoint.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (s *sseClientSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for {
			select {
			case msg := <-s.messages:
				if !yield(msg, nil) {
					return
				}
			case <-s.closed:
				// Deliver what was read before the stream ended.
				for {
					select {
					case msg := <-s.messages:
						if !yield(msg, nil) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.body.Close()
	})
	<-s.closed
}

func (s *sseClientSession) listen(connectURL *url.URL, maxPayloadSize int, endpoints chan<- *url.URL) {
	defer close(s.closed)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	gotEndpoint := false
	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := connectURL.Parse(ev.Data)
			if err != nil {
				s.logger.Error("failed to parse endpoint URL", slog.String("err", err.Error()))
				return
			}
			if !gotEndpoint {
				gotEndpoint = true
				endpoints <- u
			}
		case "message":
			if !gotEndpoint {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, id RequestID, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   newJSONRPCError(err, nil),
	})
}
