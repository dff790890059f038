package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called, or when
	// it can produce no more sessions (stdio after its single session ends).
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport's resources. The caller stops the sessions it received
	// before calling this, and calls it only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession connects to the server and returns the session used to exchange messages.
	// Operations are canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Kind reports which transport created the session.
	Kind() TransportKind

	// Send transmits a message to the other party. A message is either delivered whole or not
	// at all.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over messages received from the other party. A non-nil error
	// reports a single undecodable message (wrapping ErrParse or ErrInvalidRequest) and the
	// iteration goes on with the next one; the message then holds the id if one could be read.
	// The iteration ends when the session is closed or its input is exhausted.
	Messages() iter.Seq2[JSONRPCMessage, error]

	// Stop stops the session and releases its resources. It is safe to call more than once.
	Stop()
}

// TransportKind identifies the transport a session runs on.
type TransportKind string

// Transport kinds. Stdio sessions are served strictly sequentially, stream sessions dispatch
// requests concurrently.
const (
	TransportStdio  TransportKind = "stdio"
	TransportStream TransportKind = "stream"
)
