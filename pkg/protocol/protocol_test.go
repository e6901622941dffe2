package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Line
		wantErr bool
	}{
		{
			name: "progress",
			line: `{"progress": 42}`,
			want: Line{Kind: LineProgress, Progress: Progress{Value: 42}},
		},
		{
			name: "progress with message",
			line: `{"progress": 10, "message": "warming up"}`,
			want: Line{Kind: LineProgress, Progress: Progress{Value: 10, Message: "warming up"}},
		},
		{
			name: "fractional progress truncates",
			line: `{"progress": 99.5}`,
			want: Line{Kind: LineProgress, Progress: Progress{Value: 99}},
		},
		{
			name: "terminal result kept verbatim",
			line: `{"status": "success", "metrics": {"cpu": 1}}`,
			want: Line{Kind: LineResult},
		},
		{
			name:    "not json",
			line:    `not-json`,
			wantErr: true,
		},
		{
			name:    "json but not an object",
			line:    `[1, 2, 3]`,
			wantErr: true,
		},
		{
			name:    "null",
			line:    `null`,
			wantErr: true,
		},
		{
			name:    "non-numeric progress",
			line:    `{"progress": "half"}`,
			wantErr: true,
		},
		{
			name:    "non-string message",
			line:    `{"progress": 5, "message": 7}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLine([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			if tt.want.Kind == LineProgress {
				assert.Equal(t, tt.want.Progress, got.Progress)
			} else {
				assert.JSONEq(t, tt.line, string(got.Result))
			}
		})
	}
}

func TestControlSum(t *testing.T) {
	tests := []struct {
		name  string
		block map[string]any
		want  float64
	}{
		{
			name:  "all fields",
			block: map[string]any{"warmup": 2.0, "duration": 10.0, "delay": 1.0, "past": 3.0},
			want:  16,
		},
		{
			name:  "absent fields default to zero",
			block: map[string]any{"duration": 20.0},
			want:  20,
		},
		{
			name:  "empty block",
			block: map[string]any{},
			want:  0,
		},
		{
			name:  "non-numeric values ignored",
			block: map[string]any{"duration": "long", "warmup": 5.0},
			want:  5,
		},
		{
			name:  "unrelated fields ignored",
			block: map[string]any{"duration": 10.0, "samples": 100.0},
			want:  10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ControlSum(tt.block))
		})
	}
}

func TestReadControl(t *testing.T) {
	t.Run("empty stream yields empty block", func(t *testing.T) {
		block, err := ReadControl(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, block)
	})

	t.Run("whitespace only yields empty block", func(t *testing.T) {
		block, err := ReadControl(strings.NewReader(" \n\t"))
		require.NoError(t, err)
		assert.Empty(t, block)
	})

	t.Run("document", func(t *testing.T) {
		block, err := ReadControl(strings.NewReader(`{"duration": 10, "metrics": ["cpu"]}`))
		require.NoError(t, err)
		assert.Equal(t, 10.0, block["duration"])
	})

	t.Run("malformed document", func(t *testing.T) {
		_, err := ReadControl(strings.NewReader(`{"duration":`))
		assert.Error(t, err)
	})
}

func TestEmitter(t *testing.T) {
	var buf bytes.Buffer
	emit := NewEmitter(&buf)

	require.NoError(t, emit.Progress(50, "halfway"))
	require.NoError(t, emit.Progress(75, ""))
	require.NoError(t, emit.Result(map[string]any{"status": "success"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"progress": 50, "message": "halfway"}`, lines[0])
	assert.JSONEq(t, `{"progress": 75}`, lines[1])
	assert.JSONEq(t, `{"status": "success"}`, lines[2])
}
