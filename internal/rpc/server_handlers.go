package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/untoldecay/heliacore/internal/memctx"
	"github.com/untoldecay/heliacore/internal/replication"
	"github.com/untoldecay/heliacore/internal/security"
	"github.com/untoldecay/heliacore/internal/security/auditlog"
	"golang.org/x/mod/semver"
)

// serveRequests reads newline-delimited JSON requests off conn and writes
// newline-delimited JSON responses until the client disconnects.
func (s *Server) serveRequests(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if s.requestTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.requestTimeout))
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := Response{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}
			writeResponse(writer, resp)
			continue
		}

		resp := s.handleRequest(&req)
		if !writeResponse(writer, resp) {
			return
		}
	}
}

func writeResponse(w *bufio.Writer, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if err := w.WriteByte('\n'); err != nil {
		return false
	}
	return w.Flush() == nil
}

func (s *Server) checkVersionCompatibility(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}

	serverVer := ServerVersion
	if !strings.HasPrefix(serverVer, "v") {
		serverVer = "v" + serverVer
	}
	clientVer := clientVersion
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}

	if !semver.IsValid(serverVer) || !semver.IsValid(clientVer) {
		return nil // dev builds etc: allow
	}

	if semver.Major(serverVer) != semver.Major(clientVer) {
		return fmt.Errorf("incompatible major versions: client %s, daemon %s", clientVersion, ServerVersion)
	}
	return nil
}

func (s *Server) handleRequest(req *Request) Response {
	start := time.Now()
	defer func() {
		s.metrics.RecordRequest(req.Operation, time.Since(start))
	}()

	if req.Operation != OpPing && req.Operation != OpHealth {
		if err := s.checkVersionCompatibility(req.ClientVersion); err != nil {
			s.metrics.RecordError(req.Operation)
			return errResponse(err)
		}
	}

	s.lastActivityTime.Store(time.Now())

	var resp Response
	switch req.Operation {
	case OpPing:
		resp = s.handlePing()
	case OpStatus:
		resp = s.handleStatus()
	case OpHealth:
		resp = s.handleHealth(req)
	case OpMetrics:
		resp = s.handleMetrics()
	case OpCreateContext:
		resp = s.handleCreateContext(req)
	case OpAllocate:
		resp = s.handleAllocate(req)
	case OpReset:
		resp = s.handleReset(req)
	case OpDestroy:
		resp = s.handleDestroy(req)
	case OpContextStats:
		resp = s.handleContextStats(req)
	case OpPressureLevel:
		resp = s.handlePressureLevel()
	case OpReplicate:
		resp = s.handleReplicate(req)
	case OpHandleAck:
		resp = s.handleHandleAck(req)
	case OpReplicaAdd:
		resp = s.handleReplicaAdd(req)
	case OpReplicaRemove:
		resp = s.handleReplicaRemove(req)
	case OpReplicaList:
		resp = s.handleReplicaList()
	case OpGetEntries:
		resp = s.handleGetEntries(req)
	case OpConflicts:
		resp = s.handleConflicts(req)
	case OpApplyEntry:
		resp = s.handleApplyEntry(req)
	case OpAssess:
		resp = s.handleAssess(req)
	case OpFeedback:
		resp = s.handleFeedback(req)
	case OpObserveOutcome:
		resp = s.handleObserveOutcome(req)
	case OpVerifyChain:
		resp = s.handleVerifyChain()
	case OpForensicLog:
		resp = s.handleForensicLog(req)
	default:
		resp = errResponse(fmt.Errorf("unknown operation: %s", req.Operation))
	}

	if !resp.Success {
		s.metrics.RecordError(req.Operation)
	}
	return resp
}

func (s *Server) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func okResponse(v interface{}) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errResponse(err)
	}
	return Response{Success: true, Data: data}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// --- diagnostics ---

func (s *Server) handlePing() Response {
	return okResponse(PingResponse{Message: "pong", Version: ServerVersion})
}

func (s *Server) handleStatus() Response {
	lastActivity := s.lastActivityTime.Load().(time.Time)

	status := StatusResponse{
		Version:          ServerVersion,
		DataDir:          s.dataDir,
		SocketPath:       s.socketPath,
		PID:              os.Getpid(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		LastActivityTime: lastActivity.Format(time.RFC3339),
		LiveContexts:     len(s.registry.Snapshot()),
		PressureLevel:    s.registry.Pressure().Level().String(),
	}

	if s.primary != nil {
		status.IsPrimary = s.primary.IsPrimary()
		status.ReplicationMode = s.primary.Mode().String()
	}
	if s.replicas != nil {
		status.ActiveReplicas = len(s.replicas.Active())
	}

	return okResponse(status)
}

func (s *Server) handleHealth(req *Request) Response {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := "healthy"
	switch s.registry.Pressure().Level() {
	case memctx.LevelEmergency:
		status = statusUnhealthy
	case memctx.LevelCritical:
		status = "degraded"
	}
	uptime := time.Since(s.startTime).Seconds()

	compatible := true
	if req.ClientVersion != "" {
		if err := s.checkVersionCompatibility(req.ClientVersion); err != nil {
			compatible = false
		}
	}

	health := HealthResponse{
		Status:        status,
		Version:       ServerVersion,
		ClientVersion: req.ClientVersion,
		Compatible:    compatible,
		Uptime:        uptime,
		ActiveConns:   atomic.LoadInt32(&s.activeConns),
		MaxConns:      s.maxConns,
		MemoryAllocMB: m.Alloc / 1024 / 1024,
	}

	return Response{Success: status != statusUnhealthy, Data: mustMarshal(health)}
}

func (s *Server) handleMetrics() Response {
	snapshot := MetricsResponse{
		ContextCount:  len(s.registry.Snapshot()),
		PressureLevel: s.registry.Pressure().Level().String(),
	}
	if s.wal != nil {
		snapshot.WALLastLSN = s.wal.LastLSN()
	}
	if s.replicas != nil {
		snapshot.ReplicaCount = len(s.replicas.All())
	}
	if s.gate != nil {
		snapshot.DetectedThreats = s.gate.Scorer().DetectedThreats()
		snapshot.ForensicChainLen = s.gate.ForensicChain().Len()
	}
	return okResponse(snapshot)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// --- Memory Core ---

func (s *Server) handleCreateContext(req *Request) Response {
	var args CreateContextArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	id := args.ID
	if id == "" {
		id = memctx.GenerateContextID()
	}
	kind, ok := parseContextKind(args.Kind)
	if !ok {
		return errResponse(fmt.Errorf("rpc: unknown context kind %q", args.Kind))
	}

	if _, err := s.registry.CreateContext(id, kind, args.ParentID, args.Limit); err != nil {
		return errResponse(err)
	}
	return okResponse(CreateContextResult{ID: id})
}

func (s *Server) handleAllocate(req *Request) Response {
	var args AllocateArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	alloc, err := s.registry.Allocate(args.ContextID, args.Size, args.Alignment)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(AllocateResult{
		Address: uint64(alloc.Addr),
		Size:    alloc.Size,
		Class:   allocationClassString(alloc.Class),
	})
}

func (s *Server) handleReset(req *Request) Response {
	var args ResetArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	if err := s.registry.Reset(args.ContextID); err != nil {
		return errResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Server) handleDestroy(req *Request) Response {
	var args DestroyArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	if err := s.registry.Destroy(args.ContextID); err != nil {
		return errResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Server) handleContextStats(req *Request) Response {
	var args ContextStatsArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	if _, err := s.registry.Get(args.ContextID); err != nil {
		return errResponse(err)
	}

	for _, snap := range s.registry.Snapshot() {
		if snap.ID == args.ContextID {
			return okResponse(ContextStatsResult{
				ID:             snap.ID,
				Kind:           snap.Kind.String(),
				BytesAllocated: snap.BytesAllocated,
				PeakBytes:      snap.PeakBytes,
				AllocCount:     snap.AllocCount,
				ResetCount:     snap.ResetCount,
				Active:         snap.Active,
			})
		}
	}
	return errResponse(fmt.Errorf("rpc: context %q not found", args.ContextID))
}

func (s *Server) handlePressureLevel() Response {
	return okResponse(PressureLevelResult{Level: s.registry.Pressure().Level().String()})
}

// --- Replication Core ---

func (s *Server) handleReplicate(req *Request) Response {
	if s.primary == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}

	var args ReplicateArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	op, err := parseOpKind(args.Op)
	if err != nil {
		return errResponse(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	result, err := s.primary.Replicate(ctx, op, args.Table, args.Payload)
	resp := ReplicateResult{Result: result.String()}
	if result == replication.ReplicateOK {
		// LSN isn't returned by Replicate directly; report the WAL tail.
		if s.wal != nil {
			resp.LSN = s.wal.LastLSN()
		}
	}
	if err != nil {
		return Response{Success: false, Data: mustMarshal(resp), Error: err.Error()}
	}
	return okResponse(resp)
}

func (s *Server) handleHandleAck(req *Request) Response {
	if s.primary == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}
	var args HandleAckArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	s.primary.HandleAck(args.ReplicaID, args.LSN)
	return okResponse(struct{}{})
}

func (s *Server) handleReplicaAdd(req *Request) Response {
	if s.replicas == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}
	var args ReplicaAddArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	replica, err := s.replicas.Add(args.ID, args.Address)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(toReplicaInfo(replica))
}

func (s *Server) handleReplicaRemove(req *Request) Response {
	if s.replicas == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}
	var args ReplicaRemoveArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	if err := s.replicas.Remove(args.ID); err != nil {
		return errResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Server) handleReplicaList() Response {
	if s.replicas == nil {
		return okResponse(ReplicaListResult{})
	}
	all := s.replicas.All()
	out := make([]ReplicaInfo, 0, len(all))
	for _, r := range all {
		out = append(out, toReplicaInfo(r))
	}
	return okResponse(ReplicaListResult{Replicas: out})
}

func toReplicaInfo(r *replication.Replica) ReplicaInfo {
	return ReplicaInfo{
		ID:           r.ID,
		Address:      r.Address,
		Role:         roleString(r.Role),
		Status:       r.Status.String(),
		LastAckedLSN: r.LastAckedLSN,
		LagBytes:     r.LagBytes,
	}
}

func (s *Server) handleGetEntries(req *Request) Response {
	if s.wal == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}
	var args GetEntriesArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	limit := args.Limit
	if limit <= 0 {
		limit = 256
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	entries, err := s.wal.GetEntries(ctx, args.FromLSN, limit)
	if err != nil {
		return errResponse(err)
	}

	out := make([]WALEntryInfo, len(entries))
	for i, e := range entries {
		out[i] = WALEntryInfo{
			LSN:      e.LSN,
			Op:       e.Op.String(),
			Table:    e.Table,
			Payload:  e.Payload,
			OriginAt: e.OriginAt.Format(time.RFC3339Nano),
		}
	}
	return okResponse(GetEntriesResult{Entries: out})
}

// handleApplyEntry applies a WAL entry pushed from a primary's broadcast
// directly to this node's local WAL, preserving the primary's LSN. Unlike
// handleReplicate, this bypasses the primary-role check: a replica is, by
// definition, not primary.
func (s *Server) handleApplyEntry(req *Request) Response {
	if s.wal == nil {
		return errResponse(fmt.Errorf("rpc: replication not configured"))
	}
	var args ApplyEntryArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	op, err := parseOpKind(args.Op)
	if err != nil {
		return errResponse(err)
	}
	originAt := time.Now()
	if args.OriginAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, args.OriginAt); err == nil {
			originAt = parsed
		}
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	entry := replication.WALEntry{LSN: args.LSN, Op: op, Table: args.Table, Payload: args.Payload, OriginAt: originAt}
	if err := s.wal.ApplyReplicated(ctx, entry); err != nil {
		return errResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Server) handleConflicts(req *Request) Response {
	if s.conflict == nil {
		return okResponse(ConflictsResult{Patterns: map[string]int{}})
	}
	var args ConflictsArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	raw := s.conflict.Patterns()
	if args.GroupBy == "" || args.GroupBy == "table|op|strategy" {
		return okResponse(ConflictsResult{Patterns: raw})
	}

	dims := map[string]int{"table": 0, "op": 1, "strategy": 2}
	idx, ok := dims[args.GroupBy]
	if !ok {
		return errResponse(fmt.Errorf("rpc: unknown group_by %q", args.GroupBy))
	}

	grouped := make(map[string]int)
	for key, count := range raw {
		parts := strings.SplitN(key, "|", 3)
		if idx >= len(parts) {
			continue
		}
		grouped[parts[idx]] += count
	}
	return okResponse(ConflictsResult{Patterns: grouped})
}

// --- Security Core ---

func (s *Server) handleAssess(req *Request) Response {
	if s.gate == nil {
		return errResponse(fmt.Errorf("rpc: security gate not configured"))
	}
	var args AssessArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	result := s.gate.AssessAndGate(ctx, security.QueryInput{
		User:          args.User,
		Session:       args.Session,
		Text:          args.Text,
		EstimatedRows: args.EstimatedRows,
		Hour:          args.Hour,
		Tables:        args.Tables,
	})

	resp := AssessResult{
		Action: result.Action.String(),
		Blocked: result.Action == security.ActionBlock ||
			result.Action == security.ActionRequireJustification,
		Level:      result.Assessment.Level.String(),
		TotalScore: result.Assessment.TotalScore,
		Reasons:    result.Assessment.Reasons,
	}
	if result.Forensic != nil {
		resp.ForensicID = result.Forensic.ID
		if result.Forensic.PendingReplication {
			s.writeForensicFallback(result.Forensic)
		}
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	return okResponse(resp)
}

// writeForensicFallback persists a forensic entry to the local JSONL log
// when it could not be replicated through the WAL service, so tamper
// evidence survives even a replication outage. Best-effort: a failure here
// only affects the redundant local copy, not the in-memory chain.
func (s *Server) writeForensicFallback(rec *security.ForensicRecord) {
	entry := auditlog.Entry{
		ID:                 rec.ID,
		Timestamp:          rec.Timestamp,
		User:               rec.User,
		Session:            rec.Session,
		Action:             rec.Action,
		Resource:           rec.Resource,
		PreviousHash:       rec.PreviousHash,
		Hash:               rec.Hash,
		PendingReplication: rec.PendingReplication,
	}
	if rec.Assessment != nil {
		entry.ThreatLevel = rec.Assessment.Level.String()
		entry.ThreatScore = rec.Assessment.TotalScore
	}
	_ = auditlog.Append(s.dataDir, entry)
}

func (s *Server) handleFeedback(req *Request) Response {
	if s.gate == nil {
		return errResponse(fmt.Errorf("rpc: security gate not configured"))
	}
	var args FeedbackArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	s.gate.Scorer().Feedback(args.PredictedThreat, args.ActualThreat)
	return okResponse(struct{}{})
}

func (s *Server) handleObserveOutcome(req *Request) Response {
	if s.gate == nil {
		return errResponse(fmt.Errorf("rpc: security gate not configured"))
	}
	var args ObserveOutcomeArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}
	complexity := security.ComplexityBucket(args.Complexity)
	if complexity == "" {
		complexity = security.ComplexitySimple
	}
	s.gate.ObserveOutcome(args.User, args.ResultSize, args.Hour, args.Tables, complexity)
	return okResponse(struct{}{})
}

func (s *Server) handleVerifyChain() Response {
	if s.gate == nil {
		return errResponse(fmt.Errorf("rpc: security gate not configured"))
	}
	report := s.gate.VerifyChain()
	return okResponse(VerifyChainResult{
		IntegrityValid:  report.IntegrityValid,
		VerifiedEntries: report.VerifiedEntries,
		BrokenChains:    report.BrokenChains,
	})
}

func (s *Server) handleForensicLog(req *Request) Response {
	if s.gate == nil {
		return errResponse(fmt.Errorf("rpc: security gate not configured"))
	}
	var args ForensicLogArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResponse(err)
	}

	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}

	entries := s.gate.ForensicChain().Snapshot()
	out := make([]ForensicRecordInfo, 0, limit)
	for _, e := range entries {
		if e.ID < args.FromID {
			continue
		}
		out = append(out, ForensicRecordInfo{
			ID:           e.ID,
			Timestamp:    e.Timestamp.Format(time.RFC3339Nano),
			User:         e.User,
			Action:       e.Action,
			Resource:     e.Resource,
			PreviousHash: e.PreviousHash,
			Hash:         e.Hash,
		})
		if len(out) >= limit {
			break
		}
	}
	return okResponse(ForensicLogResult{Entries: out})
}

// --- small enum <-> wire-string helpers for types the core packages keep
// unexported String() methods off of (they're presentation concerns, not
// core invariants) ---

func parseContextKind(s string) (memctx.ContextKind, bool) {
	switch s {
	case "top_level":
		return memctx.KindTopLevel, true
	case "connection":
		return memctx.KindConnection, true
	case "transaction":
		return memctx.KindTransaction, true
	case "query":
		return memctx.KindQuery, true
	case "statement":
		return memctx.KindStatement, true
	case "operator":
		return memctx.KindOperator, true
	case "temporary":
		return memctx.KindTemporary, true
	case "cache":
		return memctx.KindCache, true
	case "index":
		return memctx.KindIndex, true
	case "buffer":
		return memctx.KindBuffer, true
	case "custom":
		return memctx.KindCustom, true
	default:
		return 0, false
	}
}

func allocationClassString(c memctx.AllocationClass) string {
	switch c {
	case memctx.ClassSlab:
		return "slab"
	case memctx.ClassArena:
		return "arena"
	case memctx.ClassLargeObject:
		return "large_object"
	default:
		return "unknown"
	}
}

func parseOpKind(s string) (replication.OpKind, error) {
	switch s {
	case "insert":
		return replication.OpInsert, nil
	case "update":
		return replication.OpUpdate, nil
	case "delete":
		return replication.OpDelete, nil
	case "ddl":
		return replication.OpDDL, nil
	default:
		return 0, fmt.Errorf("rpc: unknown op %q", s)
	}
}

func roleString(r replication.Role) string {
	switch r {
	case replication.RolePrimary:
		return "primary"
	case replication.RoleDemoted:
		return "demoted"
	case replication.RoleReadOnly:
		return "read_only"
	case replication.RolePromoting:
		return "promoting"
	default:
		return "unknown"
	}
}
