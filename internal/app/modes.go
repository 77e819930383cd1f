package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/agentarena/internal/aggregate"
	"github.com/alanyoungcy/agentarena/internal/battle"
	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/feed"
	"github.com/alanyoungcy/agentarena/internal/match"
	"github.com/alanyoungcy/agentarena/internal/metrics"
	"github.com/alanyoungcy/agentarena/internal/phase"
)

// WorkerMode runs the command consumer that drives matches, plus the
// metrics endpoint when enabled.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorker(ctx, g, deps)
	return g.Wait()
}

// RelayMode streams exchange trades into the price cache and tick channels.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the relay and the worker in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	a.startWorker(ctx, g, deps)
	return g.Wait()
}

func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	relay := feed.NewWSRelay(feed.RelayConfig{
		URL:               a.cfg.Feed.WsURL,
		Symbols:           a.cfg.Feed.Symbols,
		ReconnectDelay:    a.cfg.Feed.ReconnectDelay.Duration,
		MaxReconnectDelay: a.cfg.Feed.MaxReconnectDelay.Duration,
	}, deps.PriceCache, deps.SignalBus, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	rec := metrics.New()
	svc := a.buildMatchService(deps, rec)
	a.closers = append(a.closers, svc.Close)

	consumer := NewConsumer(deps.SignalBus, NewDispatcher(svc, deps.Archiver), a.cfg.Match.CommandStream, a.logger)
	g.Go(func() error {
		return consumer.Run(ctx)
	})

	if a.cfg.Metrics.Enabled {
		a.startMetricsServer(ctx, g, rec)
	}
}

// buildMatchService assembles the phase machine, aggregator and resolver
// settings from configuration.
func (a *App) buildMatchService(deps *Dependencies, rec *metrics.Recorder) *match.Service {
	mc := a.cfg.Match
	machine := phase.NewMachine(phase.Timeouts{
		domain.PhaseAnalysis:   mc.AnalysisTimeout.Duration,
		domain.PhaseHypothesis: mc.HypothesisTimeout.Duration,
		domain.PhaseBattle:     mc.BattleTimeout.Duration,
	}, nil)
	phases := phase.NewService(deps.MatchStore, machine, rec, a.logger)

	agg := aggregate.New(aggregate.Config{
		OffenseAgents: a.cfg.Aggregator.OffenseAgents,
		ContextAgents: a.cfg.Aggregator.ContextAgents,
		Weights:       a.cfg.Aggregator.Weights,
	})

	return match.NewService(match.Deps{
		Matches:    deps.MatchStore,
		Results:    deps.ResultStore,
		Audit:      deps.AuditStore,
		Prices:     deps.PriceCache,
		Locks:      deps.LockManager,
		Feed:       feed.NewBusFeed(deps.SignalBus, a.logger),
		Bus:        deps.SignalBus,
		Archiver:   deps.Archiver,
		Phases:     phases,
		Aggregator: agg,
		Metrics:    rec,
	}, match.Config{
		TakeProfitPct: mc.TakeProfitPct,
		StopLossPct:   mc.StopLossPct,
		DefaultSpeed:  mc.DefaultSpeed,
		LockTTL:       mc.LockTTL.Duration,
		Archive:       mc.ArchiveBattles,
		Battle: battle.Options{
			BaseDuration: mc.BattleBaseDuration.Duration,
			MinDuration:  mc.BattleMinDuration.Duration,
			HistoryCap:   mc.HistoryCap,
		},
	}, a.logger)
}

func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, rec *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, rec.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening",
			slog.String("addr", srv.Addr),
			slog.String("path", a.cfg.Metrics.Path),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "metrics server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
