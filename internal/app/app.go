// Package app runs the arena engine: Wire builds the infrastructure and a
// mode starts the goroutines on top of it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/agentarena/internal/config"
)

// App owns the configuration and the closers acquired while running, which
// Close releases newest first.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires dependencies and blocks in the configured mode until ctx ends or
// the mode fails.
func (a *App) Run(ctx context.Context) error {
	a.cfg.Mode = strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	a.logger.InfoContext(ctx, "wiring dependencies", slog.String("mode", a.cfg.Mode))

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "relay":
		return a.RelayMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	}
	return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
}

// Close runs the closers once; later calls do nothing.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.logger.Info("resources released")
}
