package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/untoldecay/heliacore/internal/config"
	"github.com/untoldecay/heliacore/internal/memctx"
	"github.com/untoldecay/heliacore/internal/replication"
	"github.com/untoldecay/heliacore/internal/rpc"
	"github.com/untoldecay/heliacore/internal/security"
	"github.com/untoldecay/heliacore/internal/storage/sqlite"
)

// engine bundles the three Cores heliad owns, plus the SQLite-backed WAL
// store underneath replication, so main.go and the RPC server share one set
// of live collaborators.
type engine struct {
	registry *memctx.Registry
	wal      *replication.WALService
	primary  *replication.Primary
	replicas *replication.ReplicaRegistry
	conflict *replication.ConflictManager
	gate     *security.Gate

	store *sqlite.Store
}

// walAppenderAdapter narrows *replication.WALService down to the
// security.WALAppender interface (op as a bare int) so the Security Core
// can write forensic entries without importing the Replication Core.
type walAppenderAdapter struct {
	wal *replication.WALService
}

func (a walAppenderAdapter) Append(ctx context.Context, op int, table string, payload []byte) error {
	_, err := a.wal.Append(ctx, replication.OpKind(op), table, payload)
	return err
}

// buildEngine constructs every collaborator in dependency order: storage,
// then the Memory/Replication/Security Cores, wiring the replica broadcaster
// last since it closes over the already-built primary.
func buildEngine(dataDir string, topo *config.Topology, log daemonLogger) (*engine, error) {
	memCfg := memctx.Config{
		InitialBlockSize: int(config.GetInt64("memory.initial_block_size")),
		MaxBlockSize:     int(config.GetInt64("memory.max_block_size")),
		GrowthFactor:     config.GetFloat64("memory.growth_factor"),
		MmapThreshold:    int(config.GetInt64("memory.mmap_threshold")),
		MaxContexts:      config.GetInt("memory.max_contexts"),
		DebugGuards:      config.GetBool("memory.debug_guards"),
	}
	registry, err := memctx.NewRegistry(memCfg)
	if err != nil {
		return nil, fmt.Errorf("memory core: %w", err)
	}
	registry.Pressure().SetThresholds(memctx.Thresholds{
		Warning:   config.GetFloat64("memory.warning_threshold"),
		Critical:  config.GetFloat64("memory.critical_threshold"),
		Emergency: config.GetFloat64("memory.emergency_threshold"),
	})
	checkInterval := config.GetDuration("memory.check_interval")
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	registry.Pressure().StartSampling(checkInterval, memctx.SystemSampleFunc)
	registry.Pressure().RegisterCallback(memctx.Callback{
		Level:    memctx.LevelWarning,
		Priority: 0,
		Name:     "log-warning",
		Fn: func(ctx context.Context) (int64, error) {
			log.Warn("memory pressure elevated", "level", memctx.LevelWarning.String())
			return 0, nil
		},
	})

	dbPath := filepath.Join(dataDir, "wal.db")
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", dbPath, err)
	}

	wal, err := replication.NewWALService(context.Background(), store)
	if err != nil {
		return nil, fmt.Errorf("replication core: wal: %w", err)
	}

	replicaRegistryPath := filepath.Join(dataDir, "replicas.json")
	replicas, err := replication.NewReplicaRegistry(replicaRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("replication core: replica registry: %w", err)
	}
	for _, seed := range topo.Replicas {
		if _, err := replicas.Add(seed.ID, seed.Address); err != nil {
			log.Warn("failed to seed replica", "id", seed.ID, "error", err)
		}
	}

	mode, err := replication.ParseMode(config.GetString("replication.mode"))
	if err != nil {
		mode = replication.ModeAsync
	}
	syncTimeout := config.GetDuration("replication.sync_timeout")
	if syncTimeout <= 0 {
		syncTimeout = 5 * time.Second
	}

	primary := replication.NewPrimary(wal, replicas, mode, syncTimeout, nil)
	primary.SetBroadcast(newReplicaBroadcaster(primary, replicas, log))

	conflict := replication.NewConflictManager(replication.ParseStrategy(config.GetString("replication.conflict_strategy")))

	hashProvider := resolveHashProvider(topo)

	minSamples := config.GetInt64("security.baseline_min_samples")
	baselines := security.NewBaselineStore(minSamples)
	scorer := security.NewScorer(hashProvider, baselines, minSamples)

	rowLimit := config.GetInt64("security.exfiltration_row_limit")
	windowVolume := config.GetInt64("security.exfiltration_window_volume")
	exfil := security.NewExfiltrationGuard(rowLimit, windowVolume, time.Hour)

	escalation := security.NewEscalationGuard()
	chain := security.NewForensicChain(hashProvider)
	gate := security.NewGate(scorer, exfil, escalation, chain, walAppenderAdapter{wal: wal})

	return &engine{
		registry: registry,
		wal:      wal,
		primary:  primary,
		replicas: replicas,
		conflict: conflict,
		gate:     gate,
		store:    store,
	}, nil
}

func resolveHashProvider(topo *config.Topology) security.HashProvider {
	switch topo.Provider.HashProvider {
	case "dev", "fnv":
		return security.ResolveHashProvider(true)
	default:
		return security.ResolveHashProvider(false)
	}
}

// Close releases the engine's file-backed resources. Safe to call once,
// on shutdown.
func (e *engine) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}
