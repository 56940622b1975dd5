package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_KnownModel(t *testing.T) {
	path := writeTable(t, `
version: 1
default:
  input_per_million: 1.0
  output_per_million: 2.0
models:
  claude-qa:
    input_per_million: 3.00
    output_per_million: 15.00
    cache_read_per_million: 0.30
    cache_write_per_million: 3.75
`)
	table, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, table.Version())

	r := table.Rate("claude-qa")
	require.Equal(t, 3.00, r.InputPerMillion)

	cost := Cost(r, 1_000_000, 0, 0, 0)
	require.InDelta(t, 3.00, cost, 1e-9)
}

func TestRate_UnknownModelFallsBackToDefault(t *testing.T) {
	path := writeTable(t, `
version: 1
default:
  input_per_million: 1.0
  output_per_million: 2.0
models: {}
`)
	table, err := Load(path, nil)
	require.NoError(t, err)

	r := table.Rate("some-unlisted-model")
	require.Equal(t, 1.0, r.InputPerMillion)
	require.Equal(t, 2.0, r.OutputPerMillion)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestDefault_ZeroRate(t *testing.T) {
	table := Default()
	r := table.Rate("anything")
	require.Equal(t, Rate{}, r)
	require.Equal(t, 0.0, Cost(r, 1_000_000, 1_000_000, 0, 0))
}
