package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/measure-app/internal/errs"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "configuration error",
			err:  &errs.ConfigError{Message: "no drivers"},
			want: ExitConfig,
		},
		{
			name: "wrapped configuration error",
			err:  fmt.Errorf("startup: %w", &errs.ConfigError{Message: "bad yaml"}),
			want: ExitConfig,
		},
		{
			name: "cancelled run",
			err:  fmt.Errorf("measure: %w", errs.ErrCancelled),
			want: ExitCancelled,
		},
		{
			name: "plain failure",
			err:  errors.New("driver exploded"),
			want: ExitFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersionFlag(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "measure")
}

func TestDescribeRequiresAppID(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--describe", "one", "two"})

	assert.Error(t, cmd.Execute())
}
