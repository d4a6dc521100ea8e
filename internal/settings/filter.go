package settings

import (
	"sort"

	"github.com/odxtools/odetl/internal/config"
)

// Filter selects tables for a batch operation. The zero value selects all.
// Names, Category and MaxPriority narrow the selection when set.
type Filter struct {
	Names       []string
	Category    config.PerformanceCategory
	MaxPriority int // 0 = no limit
}

// Select returns the configurations matching the filter, sorted by
// processing priority and then name.
func (s *Settings) Select(f Filter) []*config.TableConfig {
	wanted := map[string]bool{}
	for _, name := range f.Names {
		wanted[name] = true
	}

	var out []*config.TableConfig
	for _, cfg := range s.Tables() {
		if len(wanted) > 0 && !wanted[cfg.TableName] {
			continue
		}
		if f.Category != "" && cfg.Category != f.Category {
			continue
		}
		if f.MaxPriority > 0 && int(cfg.Priority) > f.MaxPriority {
			continue
		}
		out = append(out, cfg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].TableName < out[j].TableName
	})
	return out
}
