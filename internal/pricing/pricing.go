// Package pricing loads the model pricing table the token meter uses to
// turn raw token counts into monetary cost. The table is an external,
// versioned YAML file, never a code constant.
package pricing

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/AppSecHQ/arch/internal/common/logger"
)

// Rate is the per-million-token price for one model, in USD.
type Rate struct {
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CacheReadPerMillion   float64 `yaml:"cache_read_per_million"`
	CacheWritePerMillion  float64 `yaml:"cache_write_per_million"`
}

// file is the on-disk shape of the pricing table.
type file struct {
	Version int             `yaml:"version"`
	Default Rate            `yaml:"default"`
	Models  map[string]Rate `yaml:"models"`
}

// Table resolves a model id to its Rate, falling back to a default rate
// for unknown models. Safe for concurrent reads.
type Table struct {
	mu      sync.RWMutex
	version int
	def     Rate
	models  map[string]Rate
	log     *logger.Logger
}

// Load reads and parses a pricing table YAML file at path.
func Load(path string, log *logger.Logger) (*Table, error) {
	if log == nil {
		log = logger.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing table %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pricing table %s: %w", path, err)
	}
	if f.Models == nil {
		f.Models = make(map[string]Rate)
	}
	return &Table{
		version: f.Version,
		def:     f.Default,
		models:  f.Models,
		log:     log.WithFields(zap.String("component", "pricing")),
	}, nil
}

// Default returns an empty, zero-rate table — every model falls back to
// the zero default rate. Useful when no pricing file is configured.
func Default() *Table {
	return &Table{models: make(map[string]Rate), log: logger.Default()}
}

// Rate resolves modelID to its configured Rate. If the model id is not
// present in the table, the default rate is returned and a warning is
// logged.
func (t *Table) Rate(modelID string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.models[modelID]; ok {
		return r
	}
	t.log.Warn("unknown model id, falling back to default pricing rate", zap.String("model_id", modelID))
	return t.def
}

// Version reports the loaded pricing table's schema version.
func (t *Table) Version() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Cost computes the fractional USD cost of one usage delta against r.
func Cost(r Rate, inputTokens, outputTokens, cacheReadTokens, cacheCreateTokens int64) float64 {
	const million = 1e6
	return float64(inputTokens)/million*r.InputPerMillion +
		float64(outputTokens)/million*r.OutputPerMillion +
		float64(cacheReadTokens)/million*r.CacheReadPerMillion +
		float64(cacheCreateTokens)/million*r.CacheWritePerMillion
}
