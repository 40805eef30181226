package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) })
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	return got, nil
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]interface{}
	}{
		{
			name: "alligation",
			args: []string{"alligation", "--high", "20", "--low", "5", "--desired", "10", "--total", "300"},
			want: map[string]interface{}{"high_qty": 100.0, "low_qty": 200.0},
		},
		{
			name: "dilution solves v2",
			args: []string{"dilution", "--c1", "10", "--v1", "5", "--c2", "2"},
			want: map[string]interface{}{"c1": 10.0, "v1": 5.0, "c2": 2.0, "v2": 25.0},
		},
		{
			name: "dose",
			args: []string{"dose", "--mg-per-kg", "1", "--weight-kg", "25", "--frequency", "2"},
			want: map[string]interface{}{"single_dose_mg": 25.0, "daily_dose_mg": 50.0},
		},
		{
			name: "bud default aqueous",
			args: []string{"bud"},
			want: map[string]interface{}{"days": 14.0, "budDate": "2026-03-15"},
		},
		{
			name: "extract dose",
			args: []string{"extract-dose", "Maximum 20 mg/dose. Do not exceed 40 mg/day."},
			want: map[string]interface{}{"max_single_dose_mg": 20.0, "max_daily_dose_mg": 40.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandErrors(t *testing.T) {
	_, err := execute(t, "alligation", "--high", "5", "--low", "20", "--desired", "10", "--total", "300")
	assert.Error(t, err)

	_, err = execute(t, "dilution", "--c1", "10")
	assert.Error(t, err)

	_, err = execute(t, "bud", "--category", "frozen")
	assert.Error(t, err)

	_, err = execute(t, "alligation", "--high", "20")
	assert.Error(t, err)
}
