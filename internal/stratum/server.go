package stratum

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ListenerConfig describes one TCP listener.
type ListenerConfig struct {
	Port              int
	Algorithm         int32
	InitialDifficulty float64
	VariableDiff      bool
	SubmitSpanSec     float64
}

// Server accepts miner connections on one port and runs a session per
// connection.
type Server struct {
	listen   ListenerConfig
	deps     Deps
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a stratum server for one listener config.
func NewServer(listen ListenerConfig, deps Deps) *Server {
	deps.Log = deps.Log.WithField("port", listen.Port)
	return &Server{listen: listen, deps: deps}
}

// Listen returns the listener descriptor.
func (s *Server) Listen() ListenerConfig {
	return s.listen
}

// Start begins accepting connections. Sessions inherit ctx; cancelling it
// stops their vardiff controllers.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.listen.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running.Store(true)
	s.deps.Log.WithField("algorithm", s.listen.Algorithm).Info("stratum listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for session handlers to drain.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for _, session := range s.deps.Registry.Sessions() {
		if session.port == s.listen.Port {
			session.close()
		}
	}
	s.wg.Wait()
	s.deps.Log.Info("stratum stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.deps.Log.WithError(err).Error("accept failed")
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(45 * time.Second)
			tc.SetNoDelay(true)
		}
		session := newSession(conn, s.listen, s.deps)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Handle(ctx)
		}()
	}
}
