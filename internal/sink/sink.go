// Package sink implements the append-only JSONL dataset writers. Each stream
// (SFT, DPO) gets one Writer; files are partitioned by UTC year-month and a
// record is always a complete JSON object plus newline, appended in a single
// write so tailing readers never observe a partial line.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Sync policy for appended records.
const (
	SyncEvery = "every" // fsync after each record
	SyncBatch = "batch" // fsync on an interval
	SyncOff   = "off"   // leave it to the OS page cache
)

const (
	defaultSyncInterval = time.Second
	writeAttempts       = 3
	writeRetryDelay     = 100 * time.Millisecond
)

// partitionFile is the subset of *os.File the writer needs. Tests substitute
// a fault-injecting implementation.
type partitionFile interface {
	io.Writer
	Sync() error
	Close() error
	Fd() uintptr
}

// Config holds sink tuning.
type Config struct {
	Dir          string        // output directory, created if missing
	Prefix       string        // e.g. "training_data" or "dpo_data"
	SyncMode     string        // every, batch, off
	SyncInterval time.Duration // batch mode cadence
}

// Writer appends records to month-partitioned JSONL files. A Writer owns its
// partition file exclusively via an advisory lock; a second process opening
// the same partition fails fast instead of interleaving lines.
//
// After an unrecoverable I/O failure the Writer halts: every subsequent
// Append returns the original error. Stalling the pipeline is preferred over
// silently dropping training records.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time // injected in tests

	mu        sync.Mutex
	file      partitionFile
	partition string // YYYYMM of the open file
	written   int64  // records appended over the writer's lifetime
	haltErr   error

	syncStop chan struct{}
	syncDone chan struct{}
}

// NewWriter creates a sink writer. The partition file is opened lazily on
// first append so an idle stream creates no empty files.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	switch cfg.SyncMode {
	case SyncEvery, SyncBatch, SyncOff:
	case "":
		cfg.SyncMode = SyncEvery
	default:
		return nil, fmt.Errorf("sink: invalid sync mode %q (must be every, batch, or off)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("sink: prefix required")
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("sink: create directory: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if cfg.SyncMode == SyncBatch {
		w.syncStop = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.syncLoop(cfg.SyncInterval)
	}
	return w, nil
}

// PartitionName returns the file name for a given instant, UTC month.
func (w *Writer) PartitionName(t time.Time) string {
	return fmt.Sprintf("%s_%s.jsonl", w.cfg.Prefix, t.UTC().Format("200601"))
}

// Append marshals the record and appends it as one line to the current
// partition. Transient write errors are retried; exhaustion halts the writer.
func (w *Writer) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}
	line := append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haltErr != nil {
		return fmt.Errorf("sink: writer halted: %w", w.haltErr)
	}

	if err := w.ensurePartitionLocked(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryDelay * time.Duration(attempt))
		}
		// Single write call: O_APPEND makes the whole line land atomically,
		// so readers tailing the file never see a torn record.
		var n int
		n, lastErr = w.file.Write(line)
		if lastErr == nil {
			break
		}
		if n > 0 {
			// A short write left a fragment of the line on disk. Retrying
			// would append the full line after the fragment and corrupt the
			// stream, so halt instead; only clean zero-byte failures retry.
			break
		}
	}
	if lastErr != nil {
		w.haltErr = lastErr
		w.logger.Error("sink: write failed, halting writer",
			"prefix", w.cfg.Prefix, "partition", w.partition, "error", lastErr)
		return fmt.Errorf("sink: append: %w", lastErr)
	}

	w.written++

	if w.cfg.SyncMode == SyncEvery {
		if err := w.file.Sync(); err != nil {
			w.haltErr = err
			return fmt.Errorf("sink: fsync: %w", err)
		}
	}
	return nil
}

// Written returns the number of records appended since the writer started.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Halted reports the halt error, nil while healthy.
func (w *Writer) Halted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haltErr
}

// ensurePartitionLocked opens (and locks) the partition file for the current
// month, rotating when the month rolls over. Caller holds w.mu.
func (w *Writer) ensurePartitionLocked() error {
	want := w.now().UTC().Format("200601")
	if w.file != nil && w.partition == want {
		return nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.logger.Warn("sink: sync before rotation failed", "error", err)
		}
		_ = unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
		_ = w.file.Close()
		w.file = nil
	}

	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s_%s.jsonl", w.cfg.Prefix, want))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from validated config
	if err != nil {
		return fmt.Errorf("sink: open partition %s: %w", path, err)
	}

	// Advisory lock: exactly one writer per partition file. LOCK_NB so a
	// second process fails immediately instead of silently queueing.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("sink: partition %s already locked by another writer: %w", path, err)
	}

	w.file = f
	w.partition = want
	w.logger.Info("sink: opened partition", "prefix", w.cfg.Prefix, "file", filepath.Base(path))
	return nil
}

func (w *Writer) syncLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-w.syncStop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.file != nil && w.haltErr == nil {
				if err := w.file.Sync(); err != nil {
					w.logger.Warn("sink: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close stops the sync loop, syncs, unlocks, and closes the partition file.
func (w *Writer) Close() error {
	if w.syncStop != nil {
		close(w.syncStop)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("sink: final sync failed", "error", err)
	}
	_ = unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
	err := w.file.Close()
	w.file = nil
	return err
}

// Stats summarizes the files this writer's stream has on disk.
type Stats struct {
	Dir          string   `json:"output_dir"`
	NumFiles     int      `json:"num_files"`
	TotalEntries int64    `json:"total_entries"`
	Files        []string `json:"files"`
}

// Stat counts the stream's partition files and their lines.
func (w *Writer) Stat() (Stats, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return Stats{}, fmt.Errorf("sink: read dir: %w", err)
	}

	stats := Stats{Dir: w.cfg.Dir}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, w.cfg.Prefix+"_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		stats.NumFiles++
		stats.Files = append(stats.Files, name)

		data, err := os.ReadFile(filepath.Join(w.cfg.Dir, name)) //nolint:gosec // names come from ReadDir of our own dir
		if err != nil {
			w.logger.Warn("sink: failed to count entries", "file", name, "error", err)
			continue
		}
		stats.TotalEntries += int64(strings.Count(string(data), "\n"))
	}
	return stats, nil
}
