// Package ui owns the aggregator's stdout: progress lines while a
// measurement runs, then exactly one final result line. The shapes
// mirror the driver contract one level up.
package ui

import (
	"fmt"
	"io"

	"github.com/example/measure-app/pkg/protocol"
)

// Printer emits protocol-shaped output for the aggregator itself.
type Printer struct {
	emitter *protocol.Emitter
}

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{emitter: protocol.NewEmitter(w)}
}

// OnProgress emits one progress line carrying the global minimum and,
// when the triggering driver sent one, its message tagged with the
// driver's name. The signature matches process.ProgressFunc.
func (p *Printer) OnProgress(min int, driver, message string) {
	tagged := ""
	if message != "" {
		tagged = fmt.Sprintf("[%s] %s", driver, message)
	}
	_ = p.emitter.Progress(min, tagged)
}

// Result emits the final JSON line.
func (p *Printer) Result(v any) error {
	return p.emitter.Result(v)
}
