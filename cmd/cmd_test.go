package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRouteCommand(t *testing.T) {
	out, err := run(t, "route", "sostac_analysis", "--input-tokens", "1000")
	require.NoError(t, err)

	var got struct {
		Route         map[string]any `json:"route"`
		InputTokens   int64          `json:"input_tokens"`
		EstimatedCost float64        `json:"estimated_cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(1000), got.InputTokens)
	assert.Greater(t, got.EstimatedCost, 0.0)
}

func TestRouteCommand_UnknownTask(t *testing.T) {
	_, err := run(t, "route", "no_such_task")
	assert.Error(t, err)
}

func TestCatalogValidate_Embedded(t *testing.T) {
	out, err := run(t, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog ok")
}

func TestCatalogShow(t *testing.T) {
	out, err := run(t, "catalog", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "tiers:")
	assert.Contains(t, out, "default_subscription:")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meridian version")
}
