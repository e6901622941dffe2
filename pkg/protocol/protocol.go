// Package protocol defines the line-oriented JSON contract spoken between
// the aggregator and its drivers: the argument vector shapes, the
// measurement control document, the progress/result lines on stdout, and
// the documents each operation mode must produce. Drivers import this
// package too; the aggregator mirrors the same shapes one level up.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Argument vector markers. A driver is invoked with one of
// {InfoFlag}, {DescribeFlag, appID}, or {appID}.
const (
	InfoFlag     = "--info"
	DescribeFlag = "--describe"
)

// Reserved top-level keys of the measurement control document. MetricsKey
// holds the requested-metric list, DriversKey the per-driver override
// section; neither is forwarded to drivers as-is.
const (
	MetricsKey = "metrics"
	DriversKey = "drivers"
)

// StatusSuccess is the status a measurement result must carry.
const StatusSuccess = "success"

// controlTimeFields are the control-block fields summed into the
// effective timeout, each in seconds and defaulting to zero.
var controlTimeFields = []string{"warmup", "duration", "delay", "past"}

// Progress is one progress notification: a 0-100 value and an optional
// free-form message.
type Progress struct {
	Value   int    `json:"progress"`
	Message string `json:"message,omitempty"`
}

// Info is the capability document a driver prints for --info.
type Info struct {
	HasCancel bool   `json:"has_cancel"`
	Version   string `json:"version"`
}

// DescribeResult is the terminal result of a describe invocation.
type DescribeResult struct {
	Metrics map[string]json.RawMessage `json:"metrics"`
}

// MeasureResult is the terminal result of a measurement invocation.
type MeasureResult struct {
	Status      string                     `json:"status"`
	Metrics     map[string]json.RawMessage `json:"metrics,omitempty"`
	Annotations map[string]json.RawMessage `json:"annotations,omitempty"`
}

// AggregateInfo is the combined capability document the aggregator
// prints for its own --info invocation.
type AggregateInfo struct {
	HasCancel bool                       `json:"has_cancel"`
	Version   string                     `json:"version"`
	Drivers   map[string]json.RawMessage `json:"drivers"`
}

// LineKind discriminates the two shapes a driver may write on stdout.
type LineKind int

const (
	LineProgress LineKind = iota
	LineResult
)

// Line is one decoded stdout line, a tagged variant selected by the
// presence of the progress field: either a progress update or the
// terminal result stored verbatim.
type Line struct {
	Kind     LineKind
	Progress Progress
	Result   json.RawMessage
}

// DecodeLine parses one stdout line. A line that is not a JSON object,
// or whose progress or message value has the wrong type, is a protocol
// violation.
func DecodeLine(data []byte) (Line, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Line{}, fmt.Errorf("not a JSON object: %w", err)
	}
	if fields == nil {
		return Line{}, fmt.Errorf("not a JSON object")
	}

	raw, ok := fields["progress"]
	if !ok {
		result := make(json.RawMessage, len(data))
		copy(result, data)
		return Line{Kind: LineResult, Result: result}, nil
	}

	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return Line{}, fmt.Errorf("progress value %s: %w", raw, err)
	}
	var message string
	if rawMsg, ok := fields["message"]; ok {
		if err := json.Unmarshal(rawMsg, &message); err != nil {
			return Line{}, fmt.Errorf("message value %s: %w", rawMsg, err)
		}
	}
	return Line{Kind: LineProgress, Progress: Progress{Value: int(value), Message: message}}, nil
}

// ControlSum returns the summed time fields of one constructed control
// block, in seconds.
func ControlSum(block map[string]any) float64 {
	var sum float64
	for _, field := range controlTimeFields {
		if v, ok := block[field]; ok {
			if f, ok := v.(float64); ok {
				sum += f
			}
		}
	}
	return sum
}

// ReadControl reads the single measurement control document from r. An
// empty stream yields an empty control block.
func ReadControl(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading control document: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var block map[string]any
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("parsing control document: %w", err)
	}
	return block, nil
}

// Emitter writes protocol lines to a stream, one JSON document per line.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEmitter returns an emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// Progress writes one progress line.
func (e *Emitter) Progress(value int, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(Progress{Value: value, Message: message})
}

// Result writes the terminal result line.
func (e *Emitter) Result(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}
