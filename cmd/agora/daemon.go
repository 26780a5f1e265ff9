package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/quorumlabs/agora/internal/config"
	"github.com/quorumlabs/agora/internal/delta"
	"github.com/quorumlabs/agora/internal/forum"
	"github.com/quorumlabs/agora/internal/gitsync"
	"github.com/quorumlabs/agora/internal/inference"
	"github.com/quorumlabs/agora/internal/ledger"
	"github.com/quorumlabs/agora/internal/maintain"
	otelPkg "github.com/quorumlabs/agora/internal/otel"
	"github.com/quorumlabs/agora/internal/pacer"
	"github.com/quorumlabs/agora/internal/reconcile"
	"github.com/quorumlabs/agora/internal/report"
	"github.com/quorumlabs/agora/internal/stream"
)

var defaultChannels = []string{"general", "ideas", "showcase"}

// snapshotLogWindow bounds how far back the fingerprint set reaches.
const snapshotLogWindow = 200

// runDaemon wires every component and drives the cycle loop until the
// configured cycle count is reached or shutdown is requested.
func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger, provider *otelPkg.Provider, metrics *otelPkg.Metrics) int {
	lg, err := ledger.Load(cfg.LedgerDir())
	if err != nil {
		fatalStartup(logger, "E_LEDGER_LOAD", err)
	}

	index, err := forum.OpenIndex(cfg.IndexPath())
	if err != nil {
		fatalStartup(logger, "E_INDEX_OPEN", err)
	}
	defer index.Close()

	fc := forum.New(forum.Config{
		BaseURL:  cfg.Forum.BaseURL,
		Token:    cfg.Forum.Token,
		CacheTTL: time.Duration(cfg.CacheTTLSeconds) * time.Second,
		DryRun:   cfg.DryRun,
		Index:    index,
		Logger:   logger,
	})

	backends := make([]*inference.Backend, 0, len(cfg.Backends))
	names := make([]string, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backends = append(backends, inference.NewBackend(bc, time.Duration(cfg.Inference.TimeoutSeconds)*time.Second))
		names = append(names, bc.Name)
	}
	breakers := inference.NewBreakerSet(names, cfg.Inference.BreakerThreshold,
		time.Duration(cfg.Inference.BreakerCooldownSeconds)*time.Second)
	breakers.SetKVStore(index)
	breakers.Load(ctx)
	budget := inference.NewBudget(cfg.Inference.BudgetDailyCap)
	budget.SetKVStore(index)
	budget.Load(ctx)
	gw := inference.NewGateway(backends, breakers, budget, inference.Options{
		MaxTries: cfg.Inference.MaxTries,
		MaxWait:  time.Duration(cfg.Inference.MaxWaitSeconds) * time.Second,
	}, logger)
	breakers.SetTripObserver(func(name string) {
		metrics.BreakerTrips.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrBackend.String(name)))
	})
	gw.SetCallObserver(func(backend string, elapsed time.Duration, _ bool) {
		metrics.InferenceDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(otelPkg.AttrBackend.String(backend)))
	})

	channels := channelNames(lg)
	decider := stream.NewHeuristicDecider(channels)
	pc := pacer.New(cfg.MinGap())
	pc.SetWaitObserver(func(wait time.Duration) {
		metrics.PacerWait.Record(ctx, wait.Seconds())
	})
	workers := make([]*stream.Worker, cfg.Streams)
	for i := range workers {
		workers[i] = stream.NewWorker(i, decider, gw, fc, pc, logger)
	}
	pool := stream.NewPool(workers)

	pokes, flags, notifications := cfg.Retention()
	retention := ledger.Retention{Pokes: pokes, Flags: flags, Notifications: notifications}
	rec := reconcile.New(lg, time.Duration(cfg.DormantAfterHours)*time.Hour, logger)
	proc, err := delta.NewProcessor(lg, cfg.DeltaActorCap, retention, logger)
	if err != nil {
		fatalStartup(logger, "E_DELTA_SCHEMA", err)
	}

	if err := os.MkdirAll(cfg.InboxDir(), 0o755); err != nil {
		fatalStartup(logger, "E_INBOX_DIR", err)
	}
	watcher := delta.NewInboxWatcher(cfg.InboxDir(), logger)
	watcherEvents := watcher.Events()
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("inbox watcher unavailable, deltas processed per cycle only", "error", err)
		watcherEvents = nil
	}

	syncer := gitsync.New(cfg.LedgerDir(), gitsync.GitRunner, cfg.DisablePush, logger)

	// Maintenance runs off the cycle loop; anything touching the ledger is
	// funneled back through deltaKick so the single-writer rule holds.
	deltaKick := make(chan struct{}, 1)
	sched, err := maintain.NewScheduler([]maintain.Job{
		{Name: "cache_evict", Expr: "0 * * * *", Run: func(context.Context) {
			if n := fc.EvictStaleCache(); n > 0 {
				logger.Debug("read cache evicted", "entries", n)
			}
		}},
		{Name: "inbox_sweep", Expr: "*/15 * * * *", Run: func(context.Context) {
			select {
			case deltaKick <- struct{}{}:
			default:
			}
		}},
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	stopFlag := &atomic.Bool{}
	go func() {
		<-ctx.Done()
		stopFlag.Store(true)
	}()

	logger.Info("daemon started",
		"streams", cfg.Streams,
		"agents_per_cycle", cfg.AgentsPerCycle,
		"cycles", cfg.Cycles,
		"interval", cfg.Interval().String(),
		"backends", len(backends),
		"dry_run", cfg.DryRun,
	)

	cycle := 0
	prevBudgetUsed := budget.Used()
	for {
		cycle++
		start := time.Now()
		_, span := otelPkg.StartSpan(ctx, provider.Tracer, "cycle", otelPkg.AttrCycle.Int(cycle))

		snap := buildSnapshot(ctx, lg, fc, channels, logger)
		roster := rosterFor(lg, cfg.AgentsPerCycle)
		results := pool.Run(ctx, roster, snap, stopFlag)

		sum, err := rec.Apply(results, cfg.DryRun)
		if err != nil {
			logger.Error("reconcile failed", "cycle", cycle, "error", err)
		}

		var deltas int
		staged := sum.Staged
		if !cfg.DryRun {
			dsum, derr := proc.ProcessInbox(cfg.InboxDir())
			if derr != nil {
				logger.Error("delta batch failed", "cycle", cycle, "error", derr)
			}
			deltas = dsum.Applied
			staged = mergePaths(staged, dsum.Staged)
			metrics.DeltasTotal.Add(ctx, int64(dsum.Applied))
		}

		mismatches := lg.Verify()
		if len(mismatches) > 0 {
			logger.Warn("ledger verification failed", "cycle", cycle, "mismatches", len(mismatches))
			metrics.VerifyMismatches.Add(ctx, int64(len(mismatches)))
		}

		if !cfg.DryRun {
			if err := syncer.Publish(ctx, staged, sum.String()); err != nil {
				logger.Warn("ledger publish failed", "cycle", cycle, "error", err)
			}
		}

		elapsed := time.Since(start)
		metrics.CycleDuration.Record(ctx, elapsed.Seconds())
		if used := budget.Used(); used > prevBudgetUsed {
			metrics.BudgetUsed.Add(ctx, int64(used-prevBudgetUsed))
		}
		prevBudgetUsed = budget.Used()
		for _, res := range results {
			metrics.ActionsTotal.Add(ctx, 1, metric.WithAttributes(
				otelPkg.AttrKind.String(string(res.Kind)),
				otelPkg.AttrStatus.String(string(res.Status)),
			))
		}
		span.End()

		report.Print(report.Cycle{
			Number:     cycle,
			DryRun:     cfg.DryRun,
			OK:         sum.OK,
			DryRunN:    sum.DryRun,
			Skipped:    sum.Skipped,
			Errors:     sum.Errors,
			Duplicates: sum.DuplicateRefs,
			Deltas:     deltas,
			Mismatches: mismatches,
			Duration:   elapsed.Round(time.Millisecond).String(),
		})

		if ctx.Err() != nil {
			logger.Info("shutdown requested, exiting after completed cycle", "cycle", cycle)
			return 0
		}
		if cfg.Cycles > 0 && cycle >= cfg.Cycles {
			logger.Info("configured cycle count reached", "cycles", cycle)
			return 0
		}

		if !waitForNextCycle(ctx, cfg, proc, syncer, logger, watcherEvents, deltaKick) {
			logger.Info("shutdown requested while idle", "cycle", cycle)
			return 0
		}
	}
}

// waitForNextCycle sleeps out the inter-cycle interval. Delta inbox
// signals are serviced here, between cycles, so the processor never runs
// concurrently with the reconciler. Returns false on shutdown.
func waitForNextCycle(ctx context.Context, cfg config.Config, proc *delta.Processor, syncer *gitsync.Syncer, logger *slog.Logger, watcherEvents <-chan struct{}, deltaKick <-chan struct{}) bool {
	timer := time.NewTimer(cfg.Interval())
	defer timer.Stop()

	process := func() {
		if cfg.DryRun {
			return
		}
		dsum, err := proc.ProcessInbox(cfg.InboxDir())
		if err != nil {
			logger.Error("delta batch failed", "error", err)
			return
		}
		if dsum.Applied+dsum.Invalid+dsum.OverQuota+dsum.Errors == 0 {
			return
		}
		logger.Info("delta batch processed", "summary", dsum.String())
		if err := syncer.Publish(ctx, dsum.Staged, "deltas: "+dsum.String()); err != nil {
			logger.Warn("ledger publish failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case _, ok := <-watcherEvents:
			if !ok {
				watcherEvents = nil
				continue
			}
			process()
		case <-deltaKick:
			process()
		}
	}
}

// buildSnapshot takes the read-only cycle context: recent discussions per
// channel, each agent's notes, and fingerprints of recent content.
func buildSnapshot(ctx context.Context, lg *ledger.Ledger, fc *forum.Client, channels []string, logger *slog.Logger) *stream.Snapshot {
	snap := &stream.Snapshot{
		TakenAt:      time.Now().UTC(),
		Discussions:  make(map[string][]forum.Discussion, len(channels)),
		AgentNotes:   make(map[string][]string, len(lg.Agents.Agents)),
		Fingerprints: make(map[uint64]bool),
	}
	for _, ch := range channels {
		ds, err := fc.ListDiscussions(ctx, ch)
		if err != nil {
			logger.Warn("snapshot: channel listing failed", "channel", ch, "error", err)
			continue
		}
		snap.Discussions[ch] = ds
	}
	for id, a := range lg.Agents.Agents {
		snap.AgentNotes[id] = a.Notes
	}
	entries := lg.Log.Entries
	if len(entries) > snapshotLogWindow {
		entries = entries[len(entries)-snapshotLogWindow:]
	}
	for _, e := range entries {
		if e.Title != "" {
			snap.Fingerprints[stream.Fingerprint(e.Title)] = true
		}
		if e.ContentHash != 0 {
			snap.Fingerprints[e.ContentHash] = true
		}
	}
	return snap
}

// rosterFor picks the agents for this cycle: every known active agent in
// stable order, topped up with fresh ids when the ledger has fewer than
// the configured batch size.
func rosterFor(lg *ledger.Ledger, agentsPerCycle int) []string {
	ids := make([]string, 0, agentsPerCycle)
	for id, a := range lg.Agents.Agents {
		if a.State == ledger.AgentActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > agentsPerCycle {
		ids = ids[:agentsPerCycle]
	}
	day := time.Now().UTC().Format("20060102")
	for i := 1; i < 100 && len(ids) < agentsPerCycle; i++ {
		id := fmt.Sprintf("agent-%s-%02d", day, i)
		if lg.Agents.Agents[id] == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// channelNames lists the ledger's channels, falling back to the starter
// set on an empty ledger.
func channelNames(lg *ledger.Ledger) []string {
	names := make([]string, 0, len(lg.Channels.Channels))
	for name := range lg.Channels.Channels {
		names = append(names, name)
	}
	if len(names) == 0 {
		return defaultChannels
	}
	sort.Strings(names)
	return names
}

// mergePaths appends the second stage list onto the first, dropping
// duplicates while keeping first-seen order.
func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, p := range append(append([]string(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
