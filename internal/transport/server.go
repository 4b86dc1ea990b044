// Package transport runs the broker's frame transport (spec §4.F): a TCP
// listener bounded by a connection semaphore, one goroutine per connection
// doing read-frame -> dispatch -> write-reply, with an idle read timeout and
// a Nack-then-close response to malformed frames. The transport is
// stateless: it carries no task or worker identity of its own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/taskqueue/internal/wire"
)

// Handler processes one decoded request Message and returns the reply
// Message to frame back to the caller. Implemented by the dispatcher.
type Handler func(ctx context.Context, msg wire.Message) wire.Message

// Server is the broker's frame transport listener.
type Server struct {
	addr           string
	codec          wire.Codec
	handler        Handler
	maxConnections int64
	idleTimeout    time.Duration
	logger         *slog.Logger

	sem *semaphore.Weighted
	ln  net.Listener
}

// New constructs a transport server. codec is fixed for the lifetime of the
// listener (set once from --codec at startup, never renegotiated per
// connection).
func New(addr string, codec wire.Codec, handler Handler, maxConnections int64, idleTimeout time.Duration, logger *slog.Logger) *Server {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Server{
		addr:           addr,
		codec:          codec,
		handler:        handler,
		maxConnections: maxConnections,
		idleTimeout:    idleTimeout,
		logger:         logger,
		sem:            semaphore.NewWeighted(maxConnections),
	}
}

// ListenAndServe binds addr and accepts connections until ctx is cancelled.
// On cancellation it stops accepting new connections and returns once the
// listener is closed; in-flight connections are left to drain on their own
// (the dispatcher's cooperative shutdown handles finishing dispatches).
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("transport listening", "addr", s.addr, "codec", s.codec.Name(), "max_connections", s.maxConnections)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		go func() {
			defer s.sem.Release(1)
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr returns the bound listener address; only meaningful after
// ListenAndServe has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, err := wire.ReadFrame(conn)
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &ne) {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("connection closed", "remote", remote, "error", err)
				}
				return
			}
			s.logger.Warn("malformed frame, closing connection", "remote", remote, "error", err)
			s.writeNack(conn, "malformed frame: "+err.Error())
			return
		}

		msg, err := s.codec.Decode(frame.Type, frame.Payload)
		if err != nil {
			s.logger.Warn("malformed frame, closing connection", "remote", remote, "error", err)
			s.writeNack(conn, "malformed frame: "+err.Error())
			return
		}

		reply := s.handler(ctx, msg)
		replyPayload, err := s.codec.Encode(reply)
		if err != nil {
			s.logger.Error("failed to encode reply", "remote", remote, "type", reply.Type, "error", err)
			return
		}
		if err := wire.WriteFrame(conn, wire.Frame{Type: reply.Type, Payload: replyPayload}); err != nil {
			s.logger.Debug("failed to write reply", "remote", remote, "error", err)
			return
		}
	}
}

func (s *Server) writeNack(conn net.Conn, reason string) {
	payload, err := s.codec.Encode(wire.Message{Type: wire.Nack, NackReason: reason})
	if err != nil {
		return
	}
	wire.WriteFrame(conn, wire.Frame{Type: wire.Nack, Payload: payload})
}
