// Package dispatch maps a requested model name to exactly one enabled
// backend adapter.
package dispatch

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/polyrelay/polyrelay/internal/domain"
)

// Entry registers one adapter with its selection metadata.
type Entry struct {
	Provider domain.Provider
	Priority int
	Enabled  bool
}

// Dispatcher selects an adapter for a model using, in order: exact mapping,
// trailing-wildcard mapping, capability probe in priority order, then a
// lowest-priority-number fallback. An unrecognized model name is not
// rejected at this layer.
type Dispatcher struct {
	entries []Entry           // sorted by ascending priority number
	byName  map[string]*Entry // keyed by provider name
	// mapping is the configured model name (or "prefix*") to ordered
	// provider-name list.
	mapping map[string][]string
	// wildcards holds the "prefix*" mapping keys, longest prefix first so
	// the most specific pattern wins and selection is stable across runs.
	wildcards []string
	logger    *slog.Logger
}

// New builds a dispatcher over the given entries and model mapping.
func New(entries []Entry, mapping map[string][]string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	byName := make(map[string]*Entry, len(sorted))
	for i := range sorted {
		byName[sorted[i].Provider.Name()] = &sorted[i]
	}

	var wildcards []string
	for pattern := range mapping {
		if strings.HasSuffix(pattern, "*") {
			wildcards = append(wildcards, pattern)
		}
	}
	sort.Slice(wildcards, func(i, j int) bool {
		if len(wildcards[i]) != len(wildcards[j]) {
			return len(wildcards[i]) > len(wildcards[j])
		}
		return wildcards[i] < wildcards[j]
	})

	return &Dispatcher{
		entries:   sorted,
		byName:    byName,
		mapping:   mapping,
		wildcards: wildcards,
		logger:    logger,
	}
}

// Select returns the adapter for model, or domain.ErrNoProvider when no
// enabled adapter exists at all.
func (d *Dispatcher) Select(model string) (domain.Provider, error) {
	// 1. Exact mapping entry: try listed providers in order.
	if names, ok := d.mapping[model]; ok {
		if p := d.firstEnabled(names); p != nil {
			return p, nil
		}
	}

	// 2. Trailing-wildcard mapping entries, most specific first.
	for _, pattern := range d.wildcards {
		if strings.HasPrefix(model, strings.TrimSuffix(pattern, "*")) {
			if p := d.firstEnabled(d.mapping[pattern]); p != nil {
				return p, nil
			}
		}
	}

	// 3. Capability probe across enabled adapters in priority order.
	for _, e := range d.entries {
		if e.Enabled && e.Provider.SupportsModel(model) {
			return e.Provider, nil
		}
	}

	// 4. Fallback: the enabled adapter with the lowest priority number.
	for _, e := range d.entries {
		if e.Enabled {
			d.logger.Warn("no provider claims model, using fallback",
				slog.String("model", model),
				slog.String("provider", e.Provider.Name()))
			return e.Provider, nil
		}
	}

	return nil, domain.ErrNoProvider
}

func (d *Dispatcher) firstEnabled(names []string) domain.Provider {
	for _, name := range names {
		if e, ok := d.byName[name]; ok && e.Enabled {
			return e.Provider
		}
	}
	return nil
}

// Providers returns the enabled adapters in priority order, used for model
// listing.
func (d *Dispatcher) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Enabled {
			out = append(out, e.Provider)
		}
	}
	return out
}
