// Package server runs the remote rendering service: a TCP accept loop that
// gives each connection its own Session, and the session event loop that
// drives the protocol from handshake to the render loop.
package server

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/volserve/cacher"
	"github.com/cyberinferno/volserve/logger"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/volstore"
	"github.com/cyberinferno/volserve/wire"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPort is the well-known volserve port.
const DefaultPort = 31050

// VolumeCache is the maintenance view of a volume cache.
type VolumeCache interface {
	Clear(ctx context.Context) error
	ItemCount(ctx context.Context) (int, error)
	Stats() cacher.Stats
}

// Config holds the settings and collaborators shared by every session. Nil
// collaborators are replaced with defaults by NewServer.
type Config struct {
	Name string
	Addr string

	// Transport options applied to accepted connections.
	Transport transport.Options
	// Context is the drawable template; its size comes from the handshake.
	Context rendercontext.Options
	// Limits bounds the negotiated viewport and every drawable.
	Limits rendercontext.Limits
	// DefaultRenderer is used when a handshake names no renderer.
	DefaultRenderer string
	// MaxVolumeBytes bounds voxel payloads received on the wire; 0 keeps the
	// decoder default.
	MaxVolumeBytes int64

	Logger   logger.Logger
	Provider rendercontext.Provider
	Factory  *renderer.Factory
	Loader   volstore.Loader
	Cache    VolumeCache
	Metrics  *Metrics
	Tracer   trace.Tracer
}

// Server accepts connections and runs one Session per connection. Sessions
// are stored by ID and can be looked up, added or removed.
type Server struct {
	cfg Config
	log logger.Logger

	listener net.Listener
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.RWMutex
	sessions map[uint32]*Session
	ids      atomic.Uint32
}

// NewServer creates a server from cfg.
//
// Parameters:
//   - cfg: Settings and collaborators; zero values are filled with defaults
//
// Returns:
//   - A stopped Server; call Start to begin accepting connections
func NewServer(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "volserve"
	}
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	if cfg.Provider == nil {
		cfg.Provider = rendercontext.NewHeadlessProvider()
	}
	if cfg.Factory == nil {
		cfg.Factory = renderer.DefaultFactory()
	}
	if cfg.Loader == nil {
		cfg.Loader = &volstore.Router{}
	}
	if cfg.Limits == (rendercontext.Limits{}) {
		cfg.Limits = rendercontext.DefaultLimits()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/cyberinferno/volserve/server")
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[uint32]*Session),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *Server) Start() error {
	if s.running.Load() {
		s.log.Error("server already running")
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, or the configured address before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop closes the listener and every session connection, then waits for the
// sessions to release their resources. Safe to call when not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		s.log.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return
	}

	s.running.Store(false)
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	s.cancel()
	for _, sess := range live {
		_ = sess.Close()
	}

	s.wg.Wait()
	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// AddSession stores a session under its ID.
func (s *Server) AddSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
	s.cfg.Metrics.sessionsActive.Set(float64(len(s.sessions)))
}

// RemoveSession removes the session with the given id. Unknown ids are
// ignored.
func (s *Server) RemoveSession(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.cfg.Metrics.sessionsActive.Set(float64(len(s.sessions)))
}

// GetSession returns the session for id, if present.
func (s *Server) GetSession(id uint32) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the live sessions ordered by ID.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Info returns the renderer names and the current load.
func (s *Server) Info() wire.ServerInfo {
	s.mu.RLock()
	load := len(s.sessions)
	s.mu.RUnlock()

	return wire.ServerInfo{
		Renderers: s.cfg.Factory.Available(),
		Load:      int32(load),
	}
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.cfg.Metrics
}

// register adds sess and counts it in the wait group, unless Stop has begun.
func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.sessions[sess.ID()] = sess
	s.cfg.Metrics.sessionsActive.Set(float64(len(s.sessions)))
	s.cfg.Metrics.sessionsStarted.Inc()
	s.wg.Add(1)
	return true
}

func (s *Server) acceptLoop() {
	for s.running.Load() {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.log.Error(fmt.Sprintf("%s server accept error", s.cfg.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		conn := transport.Wrap(nc, s.cfg.Transport)
		sess := newSession(s, s.ids.Add(1), conn)

		if !s.register(sess) {
			_ = conn.Close()
			return
		}

		go func() {
			defer s.wg.Done()
			sess.Run(s.ctx)
		}()
	}
}
