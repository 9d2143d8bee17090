package pricing

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Price holds per-token prices for one model.
type Price struct {
	Prompt     float64
	Completion float64
}

// filePrice is the on-disk shape; prices there are quoted per 1K tokens.
type filePrice struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// Table maps model names to prices. It is safe for concurrent lookup and
// reload; an unknown model meters tokens at zero cost.
type Table struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// DefaultTable returns the built-in price table (USD per token).
func DefaultTable() *Table {
	return &Table{prices: map[string]Price{
		"gpt-4":              {Prompt: 0.03 / 1000, Completion: 0.06 / 1000},
		"gpt-4-0314":         {Prompt: 0.03 / 1000, Completion: 0.06 / 1000},
		"gpt-4-32k":          {Prompt: 0.06 / 1000, Completion: 0.12 / 1000},
		"gpt-4-32k-0314":     {Prompt: 0.03 / 1000, Completion: 0.12 / 1000},
		"gpt-3.5-turbo":      {Prompt: 0.002 / 1000, Completion: 0.002 / 1000},
		"gpt-3.5-turbo-0301": {Prompt: 0.002 / 1000, Completion: 0.002 / 1000},
	}}
}

// Lookup returns the price for a model and whether it is known.
func (t *Table) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	price, ok := t.prices[model]
	return price, ok
}

// Models returns the number of priced models.
func (t *Table) Models() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}

// LoadFile replaces the table with prices from a YAML file of the form
//
//	gpt-4:
//	  prompt: 0.03
//	  completion: 0.06
//
// where values are USD per 1K tokens. The current table is kept on error.
func (t *Table) LoadFile(path string) error {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return fmt.Errorf("pricing: read %s: %w", path, errRead)
	}

	var raw map[string]filePrice
	if errDecode := yaml.Unmarshal(data, &raw); errDecode != nil {
		return fmt.Errorf("pricing: parse %s: %w", path, errDecode)
	}
	if len(raw) == 0 {
		return fmt.Errorf("pricing: %s defines no models", path)
	}

	prices := make(map[string]Price, len(raw))
	for model, p := range raw {
		if p.Prompt < 0 || p.Completion < 0 {
			return fmt.Errorf("pricing: %s: negative price for %s", path, model)
		}
		prices[model] = Price{Prompt: p.Prompt / 1000, Completion: p.Completion / 1000}
	}

	t.mu.Lock()
	t.prices = prices
	t.mu.Unlock()
	return nil
}
