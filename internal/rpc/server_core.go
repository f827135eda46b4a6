package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/untoldecay/heliacore/internal/memctx"
	"github.com/untoldecay/heliacore/internal/replication"
	"github.com/untoldecay/heliacore/internal/security"
)

// ServerVersion is the version of this RPC server. It should match the
// heliactl CLI version for proper compatibility checks; set dynamically by
// cmd/heliad before starting the server.
var ServerVersion = "0.0.0"

const (
	statusUnhealthy = "unhealthy"
)

// Server is the RPC front end that runs inside heliad, dispatching
// Memory/Replication/Security Core operations over a Unix socket.
type Server struct {
	socketPath string
	dataDir    string

	registry *memctx.Registry
	primary  *replication.Primary
	wal      *replication.WALService
	replicas *replication.ReplicaRegistry
	conflict *replication.ConflictManager
	gate     *security.Gate

	listener net.Listener
	mu       sync.RWMutex
	shutdown bool

	shutdownChan chan struct{}
	stopOnce     sync.Once
	doneChan     chan struct{} // closed once Start()'s accept loop has exited
	readyChan    chan struct{} // closed once the listener is bound and accepting

	startTime        time.Time
	lastActivityTime atomic.Value // time.Time

	metrics *Metrics

	maxConns      int
	activeConns   int32 // atomic
	connSemaphore chan struct{}

	requestTimeout time.Duration
}

// NewServer wires a Server around the already-constructed Memory,
// Replication, and Security Core collaborators.
func NewServer(socketPath, dataDir string, registry *memctx.Registry, primary *replication.Primary, wal *replication.WALService, replicas *replication.ReplicaRegistry, conflict *replication.ConflictManager, gate *security.Gate) *Server {
	const (
		defaultMaxConns       = 100
		defaultRequestTimeout = 30 * time.Second
	)

	s := &Server{
		socketPath:     socketPath,
		dataDir:        dataDir,
		registry:       registry,
		primary:        primary,
		wal:            wal,
		replicas:       replicas,
		conflict:       conflict,
		gate:           gate,
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		readyChan:      make(chan struct{}),
		startTime:      time.Now(),
		metrics:        NewMetrics(),
		maxConns:       defaultMaxConns,
		connSemaphore:  make(chan struct{}, defaultMaxConns),
		requestTimeout: defaultRequestTimeout,
	}
	s.lastActivityTime.Store(time.Now())
	return s
}

// Start binds the Unix socket and serves connections until Stop is called
// or ctx is canceled. It returns once the accept loop has exited.
func (s *Server) Start(ctx context.Context) error {
	if _, err := EnsureSocketDir(s.socketPath); err != nil {
		return fmt.Errorf("rpc: ensure socket dir: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	close(s.readyChan)
	defer close(s.doneChan)

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.shutdownChan:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			shuttingDown := s.shutdown
			s.mu.RUnlock()
			if shuttingDown {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
			go s.handleConn(conn)
		default:
			_ = conn.Close() // over maxConns; reject rather than queue unboundedly
		}
	}
}

// Stop gracefully shuts the server down: it closes the listener (unblocking
// Accept) and waits for the accept loop to exit. Safe to call more than
// once and safe to call before Start has bound a listener.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()

		close(s.shutdownChan)
		if listener != nil {
			err = listener.Close()
		}

		if listener != nil {
			select {
			case <-s.doneChan:
			case <-time.After(5 * time.Second):
			}
		}

		_ = CleanupSocketDir(s.socketPath)
	})
	return err
}

// WaitReady returns a channel closed once the listener is bound and
// accepting connections.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		<-s.connSemaphore
		_ = conn.Close()
	}()

	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	s.serveRequests(conn)
}

// Metrics aggregates per-operation request counts, error counts, and
// latency totals, exposed via the OpMetrics handler and heliactl status.
type Metrics struct {
	mu        sync.Mutex
	requests  map[string]int64
	errors    map[string]int64
	latencyNs map[string]int64
}

// NewMetrics returns an empty Metrics aggregator.
func NewMetrics() *Metrics {
	return &Metrics{
		requests:  make(map[string]int64),
		errors:    make(map[string]int64),
		latencyNs: make(map[string]int64),
	}
}

// RecordRequest accounts one completed request against operation.
func (m *Metrics) RecordRequest(operation string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[operation]++
	m.latencyNs[operation] += latency.Nanoseconds()
}

// RecordError accounts one failed request against operation.
func (m *Metrics) RecordError(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[operation]++
}

// Totals sums request and error counts across every observed operation.
func (m *Metrics) Totals() (requests, errors int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.requests {
		requests += v
	}
	for _, v := range m.errors {
		errors += v
	}
	return requests, errors
}
