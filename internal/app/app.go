// Package app is the top-level coordinator for one invocation: it loads
// configuration, discovers drivers, queries their capabilities, and
// dispatches one of the three operation modes.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/measure-app/internal/aggregate"
	"github.com/example/measure-app/internal/config"
	"github.com/example/measure-app/internal/errs"
	"github.com/example/measure-app/internal/logging"
	"github.com/example/measure-app/internal/process"
	"github.com/example/measure-app/internal/registry"
	"github.com/example/measure-app/internal/version"
	"github.com/example/measure-app/pkg/protocol"
)

// App wires configuration, discovery, and the run pipeline for one
// invocation. The driver list and configuration are read-only once New
// returns.
type App struct {
	cfg       *config.Config
	drivers   []registry.Driver
	mux       *process.Multiplexer
	agg       *aggregate.Aggregator
	log       *logging.Logger
	hasCancel bool
}

// Options configures New.
type Options struct {
	// ConfigPath overrides the configuration file location.
	ConfigPath string
	// DriverDir overrides the driver directory (default registry.Dir).
	DriverDir string
	// Progress receives measurement progress updates; may be nil.
	Progress process.ProgressFunc
	// Log defaults to a no-op logger when nil.
	Log *logging.Logger
}

// New loads configuration, discovers drivers, and runs the startup
// capability query. It fails before anything is spawned when no drivers
// exist.
func New(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logging.NewNop()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	dir := opts.DriverDir
	if dir == "" {
		dir = registry.Dir
	}
	drivers, err := registry.Discover(dir)
	if err != nil {
		return nil, err
	}

	log = log.With(zap.String("run", uuid.NewString()))
	log.Debug("starting",
		zap.String("version", version.GetFullVersionInfo()),
		zap.Int("drivers", len(drivers)),
		zap.Int("grace_period", cfg.GracePeriod),
		zap.Bool("force_cancel", cfg.ForceCancel),
		zap.Int("cleanup_grace_period", cfg.CleanupGracePeriod))

	a := &App{
		cfg:     cfg,
		drivers: drivers,
		mux:     process.NewMultiplexer(cfg.CleanupGrace(), log),
		log:     log,
	}
	if err := a.queryInfo(ctx); err != nil {
		return nil, runErr(ctx, "info query", err)
	}
	a.agg = aggregate.New(a.drivers, cfg, a.mux, opts.Progress, log)
	return a, nil
}

// queryInfo probes every driver with --info, escalation disabled, and
// computes the aggregate cancellation flag: force_cancel, or unanimous
// driver support. Diagnostics from every driver are collected before a
// failure is raised.
func (a *App) queryInfo(ctx context.Context) error {
	requests := make([]process.Request, len(a.drivers))
	for i, d := range a.drivers {
		requests[i] = process.Request{
			Driver: d.Name,
			Path:   d.Path,
			Args:   []string{protocol.InfoFlag},
		}
	}
	results, _ := a.mux.Run(ctx, requests, process.Options{})

	diags := make([]errs.DriverDiagnostic, 0, len(results))
	failed := false
	unanimous := true
	for i, res := range results {
		diag := aggregate.Diagnostic(res)
		if doc, err := aggregate.ResultDocument(res); err != nil {
			diag.Err = err
			failed = true
		} else {
			var info protocol.Info
			if err := json.Unmarshal(doc, &info); err != nil {
				diag.Err = &errs.ProtocolError{Driver: res.Driver, Line: res.Stdout, Cause: err}
				failed = true
			} else {
				a.drivers[i].SupportsCancel = info.HasCancel
				a.drivers[i].Version = info.Version
				a.drivers[i].Info = doc
				if !info.HasCancel {
					unanimous = false
				}
			}
		}
		diags = append(diags, diag)
	}
	if failed {
		return errs.NewAggregateFailure(diags, nil)
	}

	a.hasCancel = a.cfg.ForceCancel || unanimous
	a.log.Debug("capability query complete", zap.Bool("has_cancel", a.hasCancel))
	return nil
}

// Info returns the combined capability document.
func (a *App) Info() *protocol.AggregateInfo {
	drivers := make(map[string]json.RawMessage, len(a.drivers))
	for _, d := range a.drivers {
		drivers[d.Name] = d.Info
	}
	return &protocol.AggregateInfo{
		HasCancel: a.hasCancel,
		Version:   version.Version,
		Drivers:   drivers,
	}
}

// HasCancel reports the aggregate cancellation-support flag.
func (a *App) HasCancel() bool {
	return a.hasCancel
}

// Describe merges every driver's metric descriptors for appID.
func (a *App) Describe(ctx context.Context, appID string) (*protocol.DescribeResult, error) {
	descr, err := a.agg.Describe(ctx, appID)
	if err := runErr(ctx, "describe", err); err != nil {
		return nil, err
	}
	return &protocol.DescribeResult{Metrics: descr.Metrics}, nil
}

// Measure runs a measurement for appID with the given control document,
// escalating sibling drivers on failure exactly when the aggregate flag
// allows it.
func (a *App) Measure(ctx context.Context, appID string, control []byte) (*protocol.MeasureResult, error) {
	result, err := a.agg.Measure(ctx, appID, control, a.hasCancel)
	if err := runErr(ctx, "measure", err); err != nil {
		return nil, err
	}
	return result, nil
}

// runErr wraps an operation error with its operation name. A cancelled
// context marks the whole operation cancelled, whatever else happened,
// so a signal always yields the distinguished exit status.
func runErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		err = multierr.Append(errs.ErrCancelled, err)
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
