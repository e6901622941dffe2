// Package aggregate turns one combined measurement request into
// per-driver requests and merges the per-driver answers back into one:
// description mode enforces metric ownership, measurement mode overlays
// per-driver overrides, narrows metric lists, validates every result,
// and unions the metrics and annotations.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/measure-app/internal/config"
	"github.com/example/measure-app/internal/errs"
	"github.com/example/measure-app/internal/logging"
	"github.com/example/measure-app/internal/process"
	"github.com/example/measure-app/internal/registry"
	"github.com/example/measure-app/pkg/protocol"
)

// Aggregator builds per-driver requests, validates their results, and
// merges the per-driver answers.
type Aggregator struct {
	drivers  []registry.Driver
	cfg      *config.Config
	mux      *process.Multiplexer
	progress process.ProgressFunc
	log      *logging.Logger
}

// New returns an aggregator over the given driver set. progress may be
// nil; it is only consulted during measurement runs.
func New(drivers []registry.Driver, cfg *config.Config, mux *process.Multiplexer, progress process.ProgressFunc, log *logging.Logger) *Aggregator {
	return &Aggregator{drivers: drivers, cfg: cfg, mux: mux, progress: progress, log: log}
}

// Description is the merged outcome of description mode.
type Description struct {
	// Metrics maps each metric name to its descriptor.
	Metrics map[string]json.RawMessage
	// Owners maps each metric name to the driver that owns it.
	Owners map[string]string
}

// Describe runs every driver in description mode, escalation disabled,
// and merges the metric descriptors. Any driver failing to produce a
// metrics object fails the operation with every driver's diagnostics
// attached; a metric claimed twice fails with a duplicate-metric error.
func (a *Aggregator) Describe(ctx context.Context, appID string) (*Description, error) {
	requests := make([]process.Request, len(a.drivers))
	for i, d := range a.drivers {
		requests[i] = process.Request{
			Driver: d.Name,
			Path:   d.Path,
			Args:   []string{protocol.DescribeFlag, appID},
		}
	}
	results, timeoutMsg := a.mux.Run(ctx, requests, process.Options{Timeout: a.timeout(nil)})

	descr := &Description{
		Metrics: map[string]json.RawMessage{},
		Owners:  map[string]string{},
	}
	claims := map[string][]string{}
	diags := make([]errs.DriverDiagnostic, 0, len(results))
	failed := false
	for _, res := range results {
		diag := Diagnostic(res)
		if doc, err := ResultDocument(res); err != nil {
			diag.Err = err
		} else {
			var parsed protocol.DescribeResult
			if err := json.Unmarshal(doc, &parsed); err != nil || parsed.Metrics == nil {
				diag.Err = fmt.Errorf("driver %s: result carries no metrics object", res.Driver)
			} else {
				for name, desc := range parsed.Metrics {
					descr.Metrics[name] = desc
					descr.Owners[name] = res.Driver
					claims[name] = append(claims[name], res.Driver)
				}
			}
		}
		if diag.Err != nil {
			failed = true
		}
		diags = append(diags, diag)
	}

	if timeoutMsg != "" {
		return nil, errs.NewAggregateFailure(diags, &errs.TimeoutError{Message: timeoutMsg})
	}
	if failed {
		return nil, errs.NewAggregateFailure(diags, nil)
	}
	if err := duplicateMetrics(claims); err != nil {
		return nil, err
	}
	return descr, nil
}

// Measure runs measurement mode: description first for ownership and
// validation, then one constructed request per driver, then validation
// and union merge of every driver's metrics and annotations.
func (a *Aggregator) Measure(ctx context.Context, appID string, control []byte, escalate bool) (*protocol.MeasureResult, error) {
	descr, err := a.Describe(ctx, appID)
	if err != nil {
		return nil, err
	}

	requests, sums, err := a.buildRequests(appID, control, descr)
	if err != nil {
		return nil, err
	}
	results, timeoutMsg := a.mux.Run(ctx, requests, process.Options{
		EscalateOnFailure: escalate,
		Timeout:           a.timeout(sums),
		OnProgress:        a.progress,
	})

	merged := &protocol.MeasureResult{
		Status:      protocol.StatusSuccess,
		Metrics:     map[string]json.RawMessage{},
		Annotations: map[string]json.RawMessage{},
	}
	diags := make([]errs.DriverDiagnostic, 0, len(results))
	failed := false
	for _, res := range results {
		diag := Diagnostic(res)
		if doc, err := measureDocument(res); err != nil {
			diag.Err = err
			failed = true
		} else {
			for k, v := range doc.Metrics {
				merged.Metrics[k] = v
			}
			for k, v := range doc.Annotations {
				merged.Annotations[k] = v
			}
		}
		diags = append(diags, diag)
	}

	if timeoutMsg != "" {
		return nil, errs.NewAggregateFailure(diags, &errs.TimeoutError{Message: timeoutMsg})
	}
	if failed {
		return nil, errs.NewAggregateFailure(diags, nil)
	}
	return merged, nil
}

// buildRequests constructs one measurement request per driver: a deep
// copy of the control block minus the reserved keys, that driver's
// overrides overlaid, and the requested metric list narrowed to what it
// owns. The returned sums are each block's summed time fields, for the
// timeout computation.
func (a *Aggregator) buildRequests(appID string, control []byte, descr *Description) ([]process.Request, []float64, error) {
	if len(bytes.TrimSpace(control)) == 0 {
		control = []byte("{}")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(control, &doc); err != nil {
		return nil, nil, fmt.Errorf("control document: %w", err)
	}

	var requested []string
	rawList, hasList := doc[protocol.MetricsKey]
	if hasList {
		if err := json.Unmarshal(rawList, &requested); err != nil {
			return nil, nil, fmt.Errorf("control document: %s: %w", protocol.MetricsKey, err)
		}
	}
	var overrides map[string]map[string]any
	if rawOverrides, ok := doc[protocol.DriversKey]; ok {
		if err := json.Unmarshal(rawOverrides, &overrides); err != nil {
			return nil, nil, fmt.Errorf("control document: %s: %w", protocol.DriversKey, err)
		}
	}

	owned := map[string][]string{}
	for _, metric := range requested {
		owner, ok := descr.Owners[metric]
		if !ok {
			a.log.Warn("requested metric not owned by any driver", zap.String("metric", metric))
			continue
		}
		owned[owner] = append(owned[owner], metric)
	}

	requests := make([]process.Request, len(a.drivers))
	sums := make([]float64, len(a.drivers))
	for i, d := range a.drivers {
		block := map[string]any{}
		if err := json.Unmarshal(control, &block); err != nil {
			return nil, nil, fmt.Errorf("control document: %w", err)
		}
		delete(block, protocol.MetricsKey)
		delete(block, protocol.DriversKey)
		for k, v := range overrides[d.Name] {
			block[k] = v
		}
		if hasList {
			if metrics := owned[d.Name]; len(metrics) > 0 {
				block[protocol.MetricsKey] = metrics
			} else {
				delete(block, protocol.MetricsKey)
			}
		}

		sums[i] = protocol.ControlSum(block)
		payload, err := json.Marshal(block)
		if err != nil {
			return nil, nil, fmt.Errorf("building request for %s: %w", d.Name, err)
		}
		requests[i] = process.Request{
			Driver: d.Name,
			Path:   d.Path,
			Args:   []string{appID},
			Stdin:  payload,
		}
	}
	return requests, sums, nil
}

// timeout computes the multiplexer deadline: the largest per-driver
// control time sum plus the grace period, or zero (no deadline) when the
// grace period is zero.
func (a *Aggregator) timeout(sums []float64) time.Duration {
	if a.cfg.GracePeriod <= 0 {
		return 0
	}
	max := 0.0
	for _, s := range sums {
		if s > max {
			max = s
		}
	}
	return time.Duration((max + float64(a.cfg.GracePeriod)) * float64(time.Second))
}

// ResultDocument validates the part of a driver result every mode needs,
// a zero exit status and a terminal line, and returns that line.
func ResultDocument(res process.Result) (json.RawMessage, error) {
	switch {
	case res.Err != nil:
		return nil, res.Err
	case !res.Exited:
		return nil, &errs.ExitError{Driver: res.Driver, Exited: false}
	case res.ExitCode != 0:
		return nil, &errs.ExitError{Driver: res.Driver, Code: res.ExitCode, Exited: true}
	case res.Stdout == "":
		return nil, fmt.Errorf("driver %s: no result line", res.Driver)
	}
	return json.RawMessage(res.Stdout), nil
}

// Diagnostic captures one driver result for failure reporting. Err is
// filled in by the caller once validation decides.
func Diagnostic(res process.Result) errs.DriverDiagnostic {
	return errs.DriverDiagnostic{
		Driver:   res.Driver,
		ExitCode: res.ExitCode,
		Exited:   res.Exited,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

func measureDocument(res process.Result) (*protocol.MeasureResult, error) {
	doc, err := ResultDocument(res)
	if err != nil {
		return nil, err
	}
	var parsed protocol.MeasureResult
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, &errs.ProtocolError{Driver: res.Driver, Line: res.Stdout, Cause: err}
	}
	if parsed.Status != protocol.StatusSuccess {
		return nil, fmt.Errorf("driver %s: result status %q", res.Driver, parsed.Status)
	}
	return &parsed, nil
}

// duplicateMetrics fails when any metric is claimed by more than one
// driver, reporting every duplicated name.
func duplicateMetrics(claims map[string][]string) error {
	var names []string
	for name, claimants := range claims {
		if len(claimants) > 1 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	var combined error
	for _, name := range names {
		claimants := claims[name]
		sort.Strings(claimants)
		combined = multierr.Append(combined, &errs.DuplicateMetricError{Metric: name, Drivers: claimants})
	}
	return combined
}
