package optimizer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
)

// Expected extraction throughput per performance category, in records per
// second. Used only to flag slow extractions; never for correctness.
var expectedRates = map[config.PerformanceCategory]float64{
	config.CategoryTiny:   10000,
	config.CategorySmall:  5000,
	config.CategoryMedium: 2000,
	config.CategoryLarge:  1000,
	config.CategoryXLarge: 500,
}

// Large-table thresholds for batch sizing and load strategy selection.
const (
	LargeSizeMB   = 100
	tinyBatchCap  = 25000
	largeBatchMin = 10000
)

// Observation is one completed per-table extraction, kept for diagnostics.
type Observation struct {
	Rows     int64
	Duration time.Duration
}

// Optimizer makes batch-size and refresh decisions from table metadata. The
// per-table history is process-local and advisory only.
type Optimizer struct {
	logger *zap.Logger

	mu      sync.Mutex
	history map[string][]Observation
}

// New builds an optimizer. A nil logger is replaced with a no-op one.
func New(logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{logger: logger, history: map[string][]Observation{}}
}

// AdaptiveBatchSize picks a batch size for one table, always within
// [config.MinBatchSize, config.MaxBatchSize]. Large tables bias upward;
// tiny tables are capped so a single batch never dwarfs the table.
func (o *Optimizer) AdaptiveBatchSize(cfg *config.TableConfig) int {
	size := config.ClampBatchSize(cfg.BatchSize)

	large := cfg.Category == config.CategoryLarge ||
		cfg.Category == config.CategoryXLarge ||
		cfg.EstimatedSizeMB > LargeSizeMB
	if large {
		size *= 4
		if size < largeBatchMin {
			size = largeBatchMin
		}
	}
	if cfg.Category == config.CategoryTiny && size > tinyBatchCap {
		size = tinyBatchCap
	}
	return config.ClampBatchSize(size)
}

// ShouldFullRefresh reports whether a table must be copied in full: either it
// has no incremental columns at all, or the last watermark is older than the
// table's time-gap threshold. A nil watermark with incremental columns
// configured is not a full refresh; the strategy handles first runs itself.
func (o *Optimizer) ShouldFullRefresh(cfg *config.TableConfig, lastWatermark *time.Time) bool {
	if _, ok := cfg.PrimaryColumn(); !ok && len(cfg.IncrementalColumns) == 0 {
		return true
	}
	if lastWatermark == nil {
		return false
	}
	gap := time.Duration(cfg.TimeGapThresholdDays) * 24 * time.Hour
	return time.Since(*lastWatermark) > gap
}

// ExpectedRate returns the throughput band for a category in records/sec.
func ExpectedRate(category config.PerformanceCategory) float64 {
	if rate, ok := expectedRates[category]; ok {
		return rate
	}
	return expectedRates[config.CategorySmall]
}

// Observe records a completed extraction and warns when throughput fell under
// half the category's expected rate for a table that asked to be watched.
func (o *Optimizer) Observe(cfg *config.TableConfig, rows int64, d time.Duration) {
	o.mu.Lock()
	o.history[cfg.TableName] = append(o.history[cfg.TableName], Observation{Rows: rows, Duration: d})
	o.mu.Unlock()

	if !cfg.Monitoring.AlertOnSlowExtraction || rows == 0 || d <= 0 {
		return
	}
	actual := float64(rows) / d.Seconds()
	expected := ExpectedRate(cfg.Category)
	if actual < expected/2 {
		o.logger.Warn("slow extraction",
			zap.String("table", cfg.TableName),
			zap.String("category", string(cfg.Category)),
			zap.Float64("records_per_sec", actual),
			zap.Float64("expected_per_sec", expected),
			zap.Int64("rows", rows),
			zap.Duration("duration", d))
	}
}

// History returns the recorded observations for a table.
func (o *Optimizer) History(table string) []Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Observation(nil), o.history[table]...)
}
