// Package agent wires the bot's components together and runs the long-lived
// background workers: peer discovery refresh, the settlement scan, the
// watchdog ticker and metrics persistence.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/windlabs/windbot/internal/backup"
	"github.com/windlabs/windbot/internal/chain"
	"github.com/windlabs/windbot/internal/config"
	"github.com/windlabs/windbot/internal/engine"
	"github.com/windlabs/windbot/internal/p2p"
	"github.com/windlabs/windbot/internal/policy"
	"github.com/windlabs/windbot/internal/prices"
	"github.com/windlabs/windbot/internal/resilience"
	"github.com/windlabs/windbot/internal/settle"
	"github.com/windlabs/windbot/internal/state"
)

// settleScanInterval is how often committed bets are checked for a passed
// deadline. Each scan also stamps the work-loop heartbeat.
const settleScanInterval = time.Minute

// metricsPersistInterval is how often the metrics snapshot file is rewritten.
const metricsPersistInterval = time.Minute

// Agent owns every component of one bot process and the background workers
// that keep them alive.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	signer     *chain.Signer
	adapter    chain.Adapter
	client     *p2p.Client
	discovery  *p2p.Discovery
	replay     *p2p.ReplayGuard
	tradeStore *state.TradeStore
	engine     *engine.Engine
	coord      *settle.Coordinator
	server     *p2p.Server
	httpServer *http.Server

	store  *state.Store
	tasks  *state.TaskQueue
	events *resilience.EventLog

	watchdog     *resilience.Watchdog
	recovery     *resilience.RecoveryManager
	collector    *resilience.Collector
	chainBreaker *resilience.Breaker

	vitals *vitals

	// RestartProcess is invoked for hard-reset recoveries; the host decides
	// how the process actually restarts.
	RestartProcess func()

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	settleMu sync.Mutex
	inFlight map[string]bool
}

// New constructs and wires every component. The agent directory is created
// if needed; the state writer lock is taken immediately.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if err := os.MkdirAll(cfg.AgentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}

	signer, err := chain.NewSigner(cfg.Chain.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	adapter, err := chain.NewEthAdapter(ctx, cfg.Chain, signer, logger)
	if err != nil {
		return nil, err
	}

	events := resilience.NewEventLog(filepath.Join(cfg.AgentDir, "resilience.log"))
	collector := resilience.NewCollector(filepath.Join(cfg.AgentDir, "resilience-metrics.json"))

	client := p2p.NewClient(cfg.P2P, signer, adapter.ChainID(), logger)
	discovery := p2p.NewDiscovery(cfg.P2P, adapter, client, signer.Address(), logger)
	replay := p2p.NewReplayGuard(2 * cfg.Settlement.ProposalExpiry)

	tradeStore, err := state.NewTradeStore(filepath.Join(cfg.AgentDir, "trades"))
	if err != nil {
		return nil, err
	}

	guard := policy.NewFillGuard(policy.DefaultLimits())
	eng := engine.New(adapter, client, discovery, guard, tradeStore, cfg.Settlement.ProposalExpiry, logger)

	fetcher := prices.NewFetcher(cfg.BackendURL, cfg.Settlement.P2PTimeout)
	coord := settle.NewCoordinator(cfg.Settlement, adapter, client, discovery, tradeStore, fetcher, events, collector, logger)

	server := p2p.NewServer(
		cfg.P2P, adapter.ChainID(), signer.Address(), signer.PubkeyHash(),
		discovery, replay, tradeStore, coord, eng, eng, logger,
	)

	store, err := state.Open(
		filepath.Join(cfg.AgentDir, "agent-state.json"),
		filepath.Join(cfg.AgentDir, "agent-state.lock"),
		signer.Address().Hex(),
	)
	if err != nil {
		return nil, err
	}

	tasks, err := state.OpenTaskQueue(filepath.Join(cfg.AgentDir, "task-queue.json"))
	if err != nil {
		store.Close()
		return nil, err
	}

	watchdog := resilience.NewWatchdog(resilience.WatchdogThresholds{
		HeartbeatStale:    cfg.Watchdog.HeartbeatStale,
		ToolCallRateLimit: cfg.Watchdog.ToolCallRateLimit,
		OutputStallAfter:  cfg.Watchdog.OutputStallAfter,
		ErrorRateLimit:    cfg.Watchdog.ErrorRateLimit,
	}, events, collector, logger)

	a := &Agent{
		cfg:          cfg,
		logger:       logger,
		signer:       signer,
		adapter:      adapter,
		client:       client,
		discovery:    discovery,
		replay:       replay,
		tradeStore:   tradeStore,
		engine:       eng,
		coord:        coord,
		server:       server,
		store:        store,
		tasks:        tasks,
		events:       events,
		watchdog:     watchdog,
		recovery:     resilience.NewRecoveryManager(events, collector, logger),
		collector:    collector,
		chainBreaker: resilience.NewBreaker("chain", resilience.DefaultBreakerConfig(), events, collector, logger),
		vitals:       newVitals(cfg.Watchdog.OutputStallAfter),
		stop:         make(chan struct{}),
		inFlight:     make(map[string]bool),
	}

	a.httpServer = &http.Server{
		Addr:         cfg.P2P.ListenAddr(),
		Handler:      server.Routes(logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a, nil
}

// Engine exposes the bet engine for host strategies.
func (a *Agent) Engine() *engine.Engine { return a.engine }

// Coordinator exposes the settlement coordinator.
func (a *Agent) Coordinator() *settle.Coordinator { return a.coord }

// Run resumes crashed tasks, starts the P2P listener and all background
// workers, and blocks until the listener exits.
func (a *Agent) Run(ctx context.Context) error {
	a.resumeTasks()

	if err := writePID(filepath.Join(a.cfg.AgentDir, "primary.pid")); err != nil {
		a.logger.Warn("primary pid write failed", slog.String("error", err.Error()))
	}

	a.wg.Add(4)
	go a.discoveryLoop(ctx)
	go a.settleLoop(ctx)
	go a.watchdogLoop(ctx)
	go a.metricsLoop()

	a.logger.Info("p2p server listening",
		slog.String("addr", a.httpServer.Addr),
		slog.String("address", a.signer.Address().Hex()),
	)
	err := a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the listener and background workers within ctx's deadline.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })

	err := a.httpServer.Shutdown(ctx)
	a.wg.Wait()

	if perr := a.collector.Persist(); perr != nil {
		a.logger.Warn("final metrics persist failed", slog.String("error", perr.Error()))
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// resumeTasks logs and re-registers every task the previous process left
// running. The host decides how each task type resumes from its checkpoint.
func (a *Agent) resumeTasks() {
	for _, rec := range a.tasks.RecoverTasks() {
		a.logger.Info("resuming task",
			slog.String("task_id", rec.Task.ID),
			slog.String("type", rec.Task.Type),
			slog.String("resume_from", rec.ResumeFrom),
		)
		a.events.Append(resilience.EventTaskResume, rec.Task.ID, map[string]any{
			"type":        rec.Task.Type,
			"resume_from": rec.ResumeFrom,
		})
		a.store.AddPendingTask(rec.Task.ID)
	}
}

func (a *Agent) discoveryLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.P2P.DiscoveryCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.discovery.FetchPeers(ctx)
			a.vitals.NoteOutput()
		}
	}
}

// settleLoop scans stored bets for passed deadlines and settles each at
// most once concurrently. Each pass stamps the heartbeat: the scan is the
// agent's work loop.
func (a *Agent) settleLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(settleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.store.UpdateHeartbeat()
			a.vitals.NoteOutput()
			a.scanDueBets(ctx)
		}
	}
}

func (a *Agent) scanDueBets(ctx context.Context) {
	ids, err := a.tradeStore.List()
	if err != nil {
		a.logger.Warn("trade store scan failed", slog.String("error", err.Error()))
		a.vitals.NoteError()
		return
	}

	for _, id := range ids {
		betID, ok := new(big.Int).SetString(id, 10)
		if !ok {
			continue
		}
		if !a.claimBet(id) {
			continue
		}
		go func(id string, betID *big.Int) {
			defer a.releaseBet(id)
			if err := a.SettleBet(ctx, betID); err != nil {
				a.logger.Warn("settlement attempt failed",
					slog.String("bet_id", id),
					slog.String("error", err.Error()),
				)
				a.vitals.NoteError()
			}
		}(id, betID)
	}
}

// SettleBet settles one bet through the chain breaker, dropping the stored
// trade list once the bet is terminal on-chain.
func (a *Agent) SettleBet(ctx context.Context, betID *big.Int) error {
	a.vitals.NoteCall()

	bet, err := a.adapter.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if bet.Status.Terminal() {
		return a.tradeStore.Delete(betID.String())
	}
	if bet.Status != chain.BetStatusActive || time.Now().Unix() <= bet.Deadline {
		return nil
	}

	err = a.chainBreaker.Call(ctx, func(ctx context.Context) error {
		return a.coord.SettleBet(ctx, betID)
	})
	if err != nil {
		return err
	}
	return a.tradeStore.Delete(betID.String())
}

func (a *Agent) claimBet(id string) bool {
	a.settleMu.Lock()
	defer a.settleMu.Unlock()
	if a.inFlight[id] {
		return false
	}
	a.inFlight[id] = true
	return true
}

func (a *Agent) releaseBet(id string) {
	a.settleMu.Lock()
	delete(a.inFlight, id)
	a.settleMu.Unlock()
}

func (a *Agent) watchdogLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Watchdog.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			snap := a.store.Snapshot()
			sample := a.vitals.Sample(snap)
			result := a.watchdog.Observe(sample)
			if result.Action != resilience.ActionNone {
				a.recover(result)
			}
			a.store.UpdateBreakerStates(map[string]string{
				"chain": a.chainBreaker.State().String(),
			})
		}
	}
}

// recover runs one rung of the progressive recovery ladder for a watchdog
// verdict. Recoveries are serialized by the manager.
func (a *Agent) recover(result resilience.HealthResult) {
	if a.store.ShouldResetRecoveryCounter() {
		a.store.ResetRecoveryCounter()
	}

	level, ok := a.recovery.DetermineLevel()
	if !ok {
		return
	}
	a.store.RecordRecoveryAttempt(level.String())

	switch level {
	case resilience.RecoverySoftReset:
		a.vitals.Reset()
	case resilience.RecoveryMediumReset:
		a.vitals.Reset()
		a.store.ClearRecoverableState()
	case resilience.RecoveryHardReset:
		if a.RestartProcess != nil {
			a.RestartProcess()
		} else {
			a.logger.Error("hard reset requested but no restart hook registered",
				slog.String("reason", result.Reason),
			)
		}
	case resilience.RecoveryHumanIntervention:
		a.logger.Error("automatic recovery exhausted, human intervention required",
			slog.String("reason", result.Reason),
		)
	}

	a.store.CompleteRecovery()
	a.recovery.Complete()
}

func (a *Agent) metricsLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(metricsPersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.collector.Persist(); err != nil {
				a.logger.Warn("metrics persist failed", slog.String("error", err.Error()))
			}
		}
	}
}

// NewBackupAgent builds the standby-side agent for this configuration,
// tracking the pid in primary.pid.
func NewBackupAgent(cfg *config.Config, callbacks backup.Callbacks, logger *slog.Logger) (*backup.Agent, error) {
	primaryPID, err := backup.ReadPIDFile(filepath.Join(cfg.AgentDir, "primary.pid"))
	if err != nil {
		return nil, err
	}
	events := resilience.NewEventLog(filepath.Join(cfg.AgentDir, "resilience.log"))
	collector := resilience.NewCollector(filepath.Join(cfg.AgentDir, "resilience-metrics.json"))
	return backup.New(cfg.Backup, cfg.AgentDir, primaryPID, callbacks, events, collector, logger), nil
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
