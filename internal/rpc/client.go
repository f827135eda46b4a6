package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/untoldecay/heliacore/internal/debug"
	"github.com/untoldecay/heliacore/internal/lockfile"
)

// rpcDebugEnabled returns true if HELIA_RPC_DEBUG is set.
func rpcDebugEnabled() bool {
	val := os.Getenv("HELIA_RPC_DEBUG")
	return val == "1" || val == "true"
}

// rpcDebugLog logs to stderr if HELIA_RPC_DEBUG is enabled.
func rpcDebugLog(format string, args ...interface{}) {
	if rpcDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[RPC DEBUG] "+format+"\n", args...)
	}
}

// ClientVersion is the version of this RPC client. It should match the
// heliactl CLI version for proper compatibility checks; set dynamically by
// cmd/heliactl before making RPC calls.
var ClientVersion = "0.0.0"

// Client is an RPC client connected to a running heliad.
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	actor      string
}

// TryConnect attempts to connect to the daemon socket, returning (nil, nil)
// if no daemon is running or it is unhealthy.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout attempts to connect to the daemon socket using the
// provided dial timeout. Returns (nil, nil) if no daemon is running or
// unhealthy.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	rpcDebugLog("attempting connection to socket: %s", socketPath)

	socketExists := endpointExists(socketPath)
	rpcDebugLog("socket exists check: %v", socketExists)

	if !socketExists {
		socketDir := filepath.Dir(socketPath)
		pidPath := filepath.Join(socketDir, "heliad.pid")
		fl, acquired, _ := lockfile.TryDaemonLock(pidPath)
		if acquired {
			_ = lockfile.FlockUnlock(fl)
			debug.Logf("daemon lock free and socket missing (no daemon running)")
			rpcDebugLog("daemon lock free (no daemon running)")
			cleanupStaleDaemonArtifacts(socketDir)
			return nil, nil
		}
		// TryDaemonLock(pidPath) returning ok=false means the pid file lock
		// is held by another process; re-check the socket for the startup
		// race where heliad is mid-bind.
		rpcDebugLog("pid lock held but socket was missing - re-checking socket existence")
		socketExists = endpointExists(socketPath)
		if !socketExists {
			debug.Logf("pid lock held but socket missing after re-check (startup race or crash): %s", socketPath)
			rpcDebugLog("connection aborted: socket still missing despite lock being held")
			return nil, nil
		}
		rpcDebugLog("socket now exists after re-check (daemon startup race resolved)")
	}

	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}

	rpcDebugLog("dialing socket (timeout: %v)", dialTimeout)
	dialStart := time.Now()
	conn, err := dialRPC(socketPath, dialTimeout)
	dialDuration := time.Since(dialStart)

	if err != nil {
		debug.Logf("failed to connect to RPC endpoint: %v", err)
		rpcDebugLog("dial failed after %v: %v", dialDuration, err)

		socketDir := filepath.Dir(socketPath)
		pidPath := filepath.Join(socketDir, "heliad.pid")
		fl, acquired, _ := lockfile.TryDaemonLock(pidPath)
		if acquired {
			_ = lockfile.FlockUnlock(fl)
			rpcDebugLog("daemon not running (lock free) - cleaning up stale socket")
			cleanupStaleDaemonArtifacts(socketDir)
			_ = os.Remove(socketPath)
		}
		return nil, nil
	}

	rpcDebugLog("dial succeeded in %v", dialDuration)

	client := &Client{
		conn:       conn,
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}

	rpcDebugLog("performing health check")
	healthStart := time.Now()
	health, err := client.Health()
	healthDuration := time.Since(healthStart)

	if err != nil {
		debug.Logf("health check failed: %v", err)
		rpcDebugLog("health check failed after %v: %v", healthDuration, err)
		_ = conn.Close()
		return nil, nil
	}

	if health.Status == statusUnhealthy {
		debug.Logf("daemon unhealthy: %s", health.Error)
		rpcDebugLog("daemon unhealthy (checked in %v): %s", healthDuration, health.Error)
		_ = conn.Close()
		return nil, nil
	}

	debug.Logf("connected to daemon (status: %s, uptime: %.1fs)", health.Status, health.Uptime)
	rpcDebugLog("connection successful (health check: %v, status: %s, uptime: %.1fs)",
		healthDuration, health.Status, health.Uptime)

	return client, nil
}

// dialRPC dials a Unix socket with a timeout.
func dialRPC(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}

// endpointExists reports whether a Unix socket file exists at path.
func endpointExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SetActor sets the Actor field sent with every subsequent request. heliad's
// handlers do not read it; forensic entries record the user named in the
// assess arguments.
func (c *Client) SetActor(actor string) {
	c.actor = actor
}

// Execute sends an RPC request and waits for a response.
func (c *Client) Execute(operation string, args interface{}) (*Response, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal args: %w", err)
	}

	req := Request{
		Operation:     operation,
		Args:          argsJSON,
		Actor:         c.actor,
		ClientVersion: ClientVersion,
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("rpc: set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("rpc: write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("rpc: write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("rpc: flush: %w", err)
	}

	reader := bufio.NewReader(c.conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal response: %w", err)
	}

	if !resp.Success {
		return &resp, fmt.Errorf("rpc: operation %s failed: %s", operation, resp.Error)
	}

	return &resp, nil
}

// Ping verifies the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

// Status retrieves daemon status metadata.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.Execute(OpStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal status: %w", err)
	}
	return &status, nil
}

// Health runs a health/compatibility probe against the daemon.
func (c *Client) Health() (*HealthResponse, error) {
	resp, err := c.Execute(OpHealth, nil)
	if err != nil {
		return nil, err
	}
	var health HealthResponse
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal health: %w", err)
	}
	return &health, nil
}

// Metrics retrieves the daemon's flat metrics snapshot.
func (c *Client) Metrics() (*MetricsResponse, error) {
	resp, err := c.Execute(OpMetrics, nil)
	if err != nil {
		return nil, err
	}
	var metrics MetricsResponse
	if err := json.Unmarshal(resp.Data, &metrics); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal metrics: %w", err)
	}
	return &metrics, nil
}

// CreateContext creates a Memory Core context.
func (c *Client) CreateContext(args *CreateContextArgs) (*CreateContextResult, error) {
	resp, err := c.Execute(OpCreateContext, args)
	if err != nil {
		return nil, err
	}
	var result CreateContextResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal create_context: %w", err)
	}
	return &result, nil
}

// Allocate requests a bump allocation inside a context.
func (c *Client) Allocate(args *AllocateArgs) (*AllocateResult, error) {
	resp, err := c.Execute(OpAllocate, args)
	if err != nil {
		return nil, err
	}
	var result AllocateResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal allocate: %w", err)
	}
	return &result, nil
}

// Reset resets a context's bump pointer without releasing its blocks.
func (c *Client) Reset(args *ResetArgs) error {
	_, err := c.Execute(OpReset, args)
	return err
}

// Destroy tears a context down and releases its blocks.
func (c *Client) Destroy(args *DestroyArgs) error {
	_, err := c.Execute(OpDestroy, args)
	return err
}

// ContextStats retrieves a snapshot of one context.
func (c *Client) ContextStats(args *ContextStatsArgs) (*ContextStatsResult, error) {
	resp, err := c.Execute(OpContextStats, args)
	if err != nil {
		return nil, err
	}
	var result ContextStatsResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal context_stats: %w", err)
	}
	return &result, nil
}

// PressureLevel retrieves the registry's current pressure level.
func (c *Client) PressureLevel() (*PressureLevelResult, error) {
	resp, err := c.Execute(OpPressureLevel, nil)
	if err != nil {
		return nil, err
	}
	var result PressureLevelResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal pressure_level: %w", err)
	}
	return &result, nil
}

// ApplyEntry pushes a WAL entry to a replica's heliad, preserving the
// primary-assigned LSN. Used by the primary's Broadcaster, not by
// heliactl.
func (c *Client) ApplyEntry(args *ApplyEntryArgs) error {
	_, err := c.Execute(OpApplyEntry, args)
	return err
}

// Replicate submits a write intent to the primary.
func (c *Client) Replicate(args *ReplicateArgs) (*ReplicateResult, error) {
	resp, err := c.Execute(OpReplicate, args)
	if err != nil {
		return nil, err
	}
	var result ReplicateResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal replicate: %w", err)
	}
	return &result, nil
}

// HandleAck acknowledges an LSN from a replica.
func (c *Client) HandleAck(args *HandleAckArgs) error {
	_, err := c.Execute(OpHandleAck, args)
	return err
}

// ReplicaAdd registers a new replica.
func (c *Client) ReplicaAdd(args *ReplicaAddArgs) error {
	_, err := c.Execute(OpReplicaAdd, args)
	return err
}

// ReplicaRemove unregisters a replica.
func (c *Client) ReplicaRemove(args *ReplicaRemoveArgs) error {
	_, err := c.Execute(OpReplicaRemove, args)
	return err
}

// ReplicaList lists every known replica.
func (c *Client) ReplicaList() (*ReplicaListResult, error) {
	resp, err := c.Execute(OpReplicaList, nil)
	if err != nil {
		return nil, err
	}
	var result ReplicaListResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal replica_list: %w", err)
	}
	return &result, nil
}

// GetEntries requests a contiguous range of WAL entries.
func (c *Client) GetEntries(args *GetEntriesArgs) (*GetEntriesResult, error) {
	resp, err := c.Execute(OpGetEntries, args)
	if err != nil {
		return nil, err
	}
	var result GetEntriesResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal get_entries: %w", err)
	}
	return &result, nil
}

// Conflicts requests the conflict-pattern aggregate.
func (c *Client) Conflicts(args *ConflictsArgs) (*ConflictsResult, error) {
	resp, err := c.Execute(OpConflicts, args)
	if err != nil {
		return nil, err
	}
	var result ConflictsResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal conflicts: %w", err)
	}
	return &result, nil
}

// Assess submits a query attempt to the Security Core and returns its
// gating decision.
func (c *Client) Assess(args *AssessArgs) (*AssessResult, error) {
	resp, err := c.Execute(OpAssess, args)
	if err != nil {
		return nil, err
	}
	var result AssessResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal assess: %w", err)
	}
	return &result, nil
}

// Feedback submits a labeled (predicted, actual) tuple for scorer
// recalibration.
func (c *Client) Feedback(args *FeedbackArgs) error {
	_, err := c.Execute(OpFeedback, args)
	return err
}

// ObserveOutcome feeds a completed query's outcome into the user's
// baseline, the only path that ever populates it.
func (c *Client) ObserveOutcome(args *ObserveOutcomeArgs) error {
	_, err := c.Execute(OpObserveOutcome, args)
	return err
}

// VerifyChain verifies the forensic hash chain's integrity.
func (c *Client) VerifyChain() (*VerifyChainResult, error) {
	resp, err := c.Execute(OpVerifyChain, nil)
	if err != nil {
		return nil, err
	}
	var result VerifyChainResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal verify_chain: %w", err)
	}
	return &result, nil
}

// ForensicLog requests a page of the forensic chain.
func (c *Client) ForensicLog(args *ForensicLogArgs) (*ForensicLogResult, error) {
	resp, err := c.Execute(OpForensicLog, args)
	if err != nil {
		return nil, err
	}
	var result ForensicLogResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("rpc: unmarshal forensic_log: %w", err)
	}
	return &result, nil
}

// cleanupStaleDaemonArtifacts removes a stale heliad.pid file when the
// socket is missing and the lock is free. Only the pid file is removed;
// the lock file itself is managed by the OS (released on process exit).
func cleanupStaleDaemonArtifacts(socketDir string) {
	pidFile := filepath.Join(socketDir, "heliad.pid")
	if _, err := os.Stat(pidFile); err != nil {
		return
	}
	if err := os.Remove(pidFile); err != nil {
		debug.Logf("failed to remove stale pid file: %v", err)
		return
	}
	debug.Logf("removed stale heliad.pid file (lock free, socket missing)")
}
