// Package logging provides categorized logging for crewplan on top of zap.
// Every subsystem logs through a named category so noisy areas (api retries,
// salvage attempts) can be silenced independently from the pipeline trail.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config resolution
	CategoryAPI      Category = "api"      // Provider calls, retries, classification
	CategorySalvage  Category = "salvage"  // Response repair strategies
	CategorySchedule Category = "schedule" // Constraint validation and repair
	CategoryStages   Category = "stages"   // Stage handlers
	CategoryPipeline Category = "pipeline" // Coordinator transitions, persistence
	CategoryUsage    Category = "usage"    // Token accounting
	CategoryJournal  Category = "journal"  // SQLite run journal
	CategoryInbox    Category = "inbox"    // Inbox watcher
)

// Options controls how the root zap logger is built.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	OutputPath string          // empty = stderr
	Categories map[string]bool // category -> enabled; missing categories are enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the root logger. Safe to call more than once; the last call wins.
func Initialize(opts Options) error {
	var cfg zap.Config
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
		cfg.ErrorOutputPaths = []string{opts.OutputPath}
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	replace(l, opts.Categories)
	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level, cfg.Encoding)
	return nil
}

// SetCore swaps the root logger for one writing to core. Used by tests with
// zaptest/observer.
func SetCore(core zapcore.Core) {
	replace(zap.New(core), nil)
}

// Reset restores the no-op logger.
func Reset() {
	replace(zap.NewNop(), nil)
}

func replace(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	root = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	base := root
	if !categoryEnabledLocked(category) {
		base = zap.NewNop()
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a logger carrying additional structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...interface{})  { Get(CategoryAPI).Warn(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func SalvageDebug(format string, args ...interface{}) { Get(CategorySalvage).Debug(format, args...) }
func SalvageWarn(format string, args ...interface{})  { Get(CategorySalvage).Warn(format, args...) }

func Schedule(format string, args ...interface{})      { Get(CategorySchedule).Info(format, args...) }
func ScheduleDebug(format string, args ...interface{}) { Get(CategorySchedule).Debug(format, args...) }
func ScheduleWarn(format string, args ...interface{})  { Get(CategorySchedule).Warn(format, args...) }

func Stages(format string, args ...interface{})      { Get(CategoryStages).Info(format, args...) }
func StagesDebug(format string, args ...interface{}) { Get(CategoryStages).Debug(format, args...) }
func StagesWarn(format string, args ...interface{})  { Get(CategoryStages).Warn(format, args...) }
func StagesError(format string, args ...interface{}) { Get(CategoryStages).Error(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }
func PipelineError(format string, args ...interface{}) { Get(CategoryPipeline).Error(format, args...) }

func UsageDebug(format string, args ...interface{}) { Get(CategoryUsage).Debug(format, args...) }
func UsageWarn(format string, args ...interface{})  { Get(CategoryUsage).Warn(format, args...) }

func JournalDebug(format string, args ...interface{}) { Get(CategoryJournal).Debug(format, args...) }
func JournalWarn(format string, args ...interface{})  { Get(CategoryJournal).Warn(format, args...) }

func Inbox(format string, args ...interface{})      { Get(CategoryInbox).Info(format, args...) }
func InboxDebug(format string, args ...interface{}) { Get(CategoryInbox).Debug(format, args...) }
func InboxError(format string, args ...interface{}) { Get(CategoryInbox).Error(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
