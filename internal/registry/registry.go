// Package registry discovers driver executables. Every regular file with
// an executable bit directly inside the driver directory is a driver,
// named by its file name; everything else is ignored.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/measure-app/internal/errs"
)

// Dir is the subdirectory of the working directory scanned for drivers.
const Dir = "drivers"

// Driver is one discovered measurement executable plus the capabilities
// it reported to the startup info query. Immutable once the query ran.
type Driver struct {
	Name           string
	Path           string
	SupportsCancel bool
	Version        string
	Info           json.RawMessage
}

// Discover lists the drivers in dir, sorted by name. Zero drivers is a
// configuration error, raised before anything is spawned.
func Discover(dir string) ([]Driver, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ConfigError{Message: fmt.Sprintf("driver directory %s does not exist", dir)}
		}
		return nil, &errs.ConfigError{Message: fmt.Sprintf("listing driver directory %s", dir), Cause: err}
	}

	var drivers []Driver
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		drivers = append(drivers, Driver{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
		})
	}
	if len(drivers) == 0 {
		return nil, &errs.ConfigError{Message: fmt.Sprintf("no executable drivers found in %s", dir)}
	}
	return drivers, nil
}
