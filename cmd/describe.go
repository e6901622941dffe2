package cmd

import (
	"context"

	"github.com/example/measure-app/internal/app"
	"github.com/example/measure-app/pkg/ui"
)

// runDescribe prints the metric descriptors merged across every driver.
func runDescribe(ctx context.Context, a *app.App, printer *ui.Printer, appID string) error {
	result, err := a.Describe(ctx, appID)
	if err != nil {
		return err
	}
	return printer.Result(result)
}
