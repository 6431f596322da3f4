// Package logger writes the fix stream to CSV track files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpsdash/internal/gps"
)

// Logger records timestamped fixes to CSV files, rotating by row count.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool
	now      func() time.Time
	log      *logrus.Entry

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz

var csvHeader = []string{
	"timestamp", "device", "mode", "fix_quality", "valid",
	"lat", "lon", "speed_kph", "heading", "alt_m", "climb_ms",
	"sats_used", "sats_visible", "hdop", "gps_time",
}

func New(cfg Config, log *logrus.Entry) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gpsdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  maxRowsPerFile,
		enabled:  cfg.Enabled,
		now:      time.Now,
		log:      log.WithField("component", "logger"),
	}
}

// SetEnabled toggles logging at runtime. Disabling closes the open file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// File returns the path of the file being written, or "".
func (l *Logger) File() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Record writes a fix if the minimum interval has elapsed since the last
// row. Nil fixes are skipped.
func (l *Logger) Record(fix *gps.Data) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || fix == nil {
		return
	}
	now := l.now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.WithError(err).Error("rotate failed")
			return
		}
	}
	if err := l.writer.Write(buildRow(now, fix)); err != nil {
		l.log.WithError(err).Error("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, fmt.Sprintf("track_%s.csv", now.Format("2006-01-02_150405.000")))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, g *gps.Data) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		g.Device,
		strconv.Itoa(g.Mode),
		strconv.Itoa(g.FixQuality),
		boolStr(g.Valid),
		fmt.Sprintf("%.6f", g.Latitude),
		fmt.Sprintf("%.6f", g.Longitude),
		fmt.Sprintf("%.1f", g.Speed),
		fmt.Sprintf("%.1f", g.Heading),
		fmt.Sprintf("%.1f", g.Altitude),
		fmt.Sprintf("%.2f", g.Climb),
		strconv.Itoa(g.Satellites),
		strconv.Itoa(g.Visible),
		fmt.Sprintf("%.2f", g.HDOP),
		g.Timestamp,
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
