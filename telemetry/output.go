package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/physarum/config"
)

// CSVLog appends gocsv records to one file, writing the header with the
// first batch only.
type CSVLog struct {
	f             *os.File
	headerWritten bool
}

// CreateCSVLog creates (or truncates) the file at path.
func CreateCSVLog(path string) (*CSVLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	return &CSVLog{f: f}, nil
}

// Append writes records, a slice of structs with csv tags.
func (l *CSVLog) Append(records any) error {
	if !l.headerWritten {
		if err := gocsv.Marshal(records, l.f); err != nil {
			return err
		}
		l.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, l.f)
}

// Close closes the underlying file.
func (l *CSVLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir   string
	stats *CSVLog
	perf  *CSVLog
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	var err error
	if om.stats, err = CreateCSVLog(filepath.Join(dir, "stats.csv")); err != nil {
		return nil, err
	}
	if om.perf, err = CreateCSVLog(filepath.Join(dir, "perf.csv")); err != nil {
		om.stats.Close()
		return nil, err
	}

	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStats appends channel stats records to stats.csv.
func (om *OutputManager) WriteStats(stats []ChannelStats) error {
	if om == nil || len(stats) == 0 {
		return nil
	}
	if err := om.stats.Append(stats); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// WritePerf appends a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd int64) error {
	if om == nil {
		return nil
	}
	records := []PerfStatsCSV{stats.ToCSV(windowEnd)}
	if err := om.perf.Append(records); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, l := range []*CSVLog{om.stats, om.perf} {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
