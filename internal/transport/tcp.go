// Package transport runs a pipeline chain over TCP connections.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// Stage sits at the bottom of a chain and puts bytes on the wire.
type Stage struct{}

func (Stage) Name() string { return "transport" }

func (Stage) HandleWrite(ctx *pipeline.Context) (pipeline.Action, error) {
	b, ok := ctx.Message().([]byte)
	if !ok {
		return pipeline.StopAction, fmt.Errorf("transport: cannot write %T", ctx.Message())
	}
	if _, err := ctx.Conn().Write(b); err != nil {
		return pipeline.StopAction, fmt.Errorf("transport: write to %s: %w", ctx.Conn().ID(), err)
	}
	return pipeline.StopAction, nil
}

// Server accepts connections and feeds what it reads into a chain. Each
// connection is read by its own goroutine; reads for one connection are
// serialized so that a suspended exchange finishes before the next one
// starts. Continuations run on the worker pool.
type Server struct {
	chain       *pipeline.Chain
	pool        *WorkerPool
	logger      *zap.Logger
	maxConns    int
	readBufSize int

	mu    sync.Mutex
	conns map[*pipeline.Connection]struct{}
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxConns bounds the number of connections served at once; further
// accepts wait for a slot.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

func WithReadBufferSize(n int) Option {
	return func(s *Server) { s.readBufSize = n }
}

func NewServer(chain *pipeline.Chain, pool *WorkerPool, opts ...Option) *Server {
	s := &Server{
		chain:       chain,
		pool:        pool,
		logger:      zap.NewNop(),
		readBufSize: 32 << 10,
		conns:       make(map[*pipeline.Connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts on ln until ctx is cancelled, then closes every open
// connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(stop)
	if s.maxConns > 0 {
		// +1 for the shutdown watcher below.
		g.SetLimit(s.maxConns + 1)
	}

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.closeAll()
		return nil
	})

	s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			s.handle(nc)
			return nil
		})
	}

	cancel()
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handle(nc net.Conn) {
	_, secure := nc.(*tls.Conn)
	opts := []pipeline.ConnectionOption{
		pipeline.WithAddrs(nc.LocalAddr(), nc.RemoteAddr()),
		pipeline.WithCloser(nc),
		pipeline.WithSecure(secure),
	}
	if s.pool != nil {
		opts = append(opts, pipeline.WithExecutor(s.pool))
	}
	conn := pipeline.NewConnection(nc, opts...)

	s.track(conn)
	defer s.untrack(conn)
	defer func() {
		if err := s.chain.Disconnect(conn); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("disconnect", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}()

	if err := s.chain.Accept(conn); err != nil {
		s.logger.Warn("accept rejected", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}

	buf := make([]byte, s.readBufSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if !s.dispatch(conn, append([]byte(nil), buf[:n]...)) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", zap.String("conn", conn.ID()), zap.Error(err))
			}
			return
		}
	}
}

// dispatch runs data through the chain and waits for a suspended pass to
// end. It reports whether the connection should keep reading.
func (s *Server) dispatch(conn *pipeline.Connection, data []byte) bool {
	for {
		pctx, err := s.chain.Read(conn, data)
		if err != nil {
			s.logger.Warn("read pass failed", zap.String("conn", conn.ID()), zap.Error(err))
			return false
		}
		select {
		case <-pctx.Done():
		case <-conn.Closed():
			return false
		}
		if !conn.TakeReplay() {
			return true
		}
		data = nil
	}
}

func (s *Server) track(conn *pipeline.Connection) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *pipeline.Connection) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	open := make([]*pipeline.Connection, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
}
