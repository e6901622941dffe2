package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/example/measure-app/internal/app"
	"github.com/example/measure-app/pkg/ui"
)

// runMeasure reads the control document from stdin, runs the
// measurement, and prints the merged result. Progress lines were
// already streamed by the printer while the run was active.
func runMeasure(ctx context.Context, a *app.App, printer *ui.Printer, appID string, stdin io.Reader) error {
	control, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("reading control document: %w", err)
	}
	result, err := a.Measure(ctx, appID, control)
	if err != nil {
		return err
	}
	return printer.Result(result)
}
