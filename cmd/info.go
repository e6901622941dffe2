package cmd

import (
	"github.com/example/measure-app/internal/app"
	"github.com/example/measure-app/pkg/ui"
)

// runInfo prints the combined capability document. The per-driver info
// was already collected by the startup query; no further child
// interaction happens here.
func runInfo(a *app.App, printer *ui.Printer) error {
	return printer.Result(a.Info())
}
