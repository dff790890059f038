package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer using newline-delimited JSON-RPC
// messages over stdin/stdout or any io.Reader/io.Writer pair. It provides a single session that
// ends when the reader reaches EOF.
//
// The same instance can be used as either ServerTransport or ClientTransport. Instances must be
// created with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	writeClosed   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line string
	err  error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by yielding the single session and
// returning once that session is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.sess.start()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits for the Sessions iteration to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.start()
	return s.sess, nil
}

func (s *stdIOSession) ID() string { return s.id }

func (s *stdIOSession) Kind() TransportKind { return TransportStdio }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	case <-s.done:
		return errors.New("session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for write result: %w", ctx.Err())
	}
}

func (s *stdIOSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			// Buffered so the reading goroutine never blocks after the session stops.
			lines := make(chan stdIOLine, 1)

			// Reading happens in a goroutine so a blocked reader does not keep Stop waiting.
			go func() {
				line, err := reader.ReadString('\n')
				lines <- stdIOLine{line: line, err: err}
			}()

			var l stdIOLine
			select {
			case <-s.done:
				return
			case l = <-lines:
			}

			if l.err != nil && !errors.Is(l.err, io.EOF) {
				s.logger.Error("failed to read message", slog.String("err", l.err.Error()))
				return
			}

			line := strings.TrimSpace(l.line)
			if line != "" {
				msg, err := decodeMessage([]byte(line))
				if err != nil {
					s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
				}
				if !yield(msg, err) {
					return
				}
			}

			if l.err != nil {
				// EOF: the other party closed its end.
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		s.start()
		close(s.done)
		<-s.writeClosed
	})
}

func (s *stdIOSession) start() {
	s.startOnce.Do(func() {
		go s.processWriteMessages()
	})
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		// A single Write per message, so a response is never split across writes of
		// other messages.
		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
