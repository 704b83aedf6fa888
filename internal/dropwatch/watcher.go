package dropwatch

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lexworks/casemover/internal/casemover"
)

const (
	defaultSettleDelay = 200 * time.Millisecond
	defaultRescanEvery = 5 * time.Second
)

type Options struct {
	Dir     string
	Loader  *casemover.Loader
	Tracker *casemover.ProgressTracker
	Logger  *log.Logger
	// SettleDelay is how long a payload file must sit untouched before it is
	// read, so half-written drops are not ingested.
	SettleDelay time.Duration
	// RescanEvery bounds how stale the directory view can get if a
	// filesystem event is missed.
	RescanEvery time.Duration
}

// Watcher is the manual-upload ingestion path: any *.json file dropped into
// the watched directory is validated against the import payload contract and
// loaded incrementally, then renamed *.json.done or *.json.failed. It produces
// the exact same payload the API extractor does, so the load engine cannot
// tell the two paths apart.
type Watcher struct {
	dir         string
	loader      *casemover.Loader
	tracker     *casemover.ProgressTracker
	logger      *log.Logger
	settleDelay time.Duration
	rescanEvery time.Duration
}

func New(opts Options) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" || opts.Loader == nil {
		return nil, casemover.ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	settleDelay := opts.SettleDelay
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	rescanEvery := opts.RescanEvery
	if rescanEvery <= 0 {
		rescanEvery = defaultRescanEvery
	}
	return &Watcher{
		dir:         dir,
		loader:      opts.Loader,
		tracker:     opts.Tracker,
		logger:      logger,
		settleDelay: settleDelay,
		rescanEvery: rescanEvery,
	}, nil
}

// Run watches the drop directory until the context ends. Files present before
// startup are ingested on the first scan; afterwards filesystem events drive
// ingestion with a periodic rescan as the safety net.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(w.dir); err != nil {
		return err
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.rescanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isPayloadFile(event.Name) {
				w.ingest(ctx, event.Name)
			}
		case watchErr, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("drop watcher error: %v", watchErr)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Printf("drop scan failed: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPayloadFile(entry.Name()) {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// ingest loads one dropped payload file. Events and rescans both funnel here
// on the Run goroutine, so each file is handled at most once; a file already
// renamed by an earlier event simply no longer exists.
func (w *Watcher) ingest(ctx context.Context, path string) {
	if err := sleepContext(ctx, w.settleDelay); err != nil {
		return
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Printf("read %s failed: %v", path, err)
		return
	}

	payload, err := casemover.ValidatePayloadJSON(raw)
	if err != nil {
		w.logger.Printf("payload %s rejected: %v", filepath.Base(path), err)
		w.finish(path, ".failed")
		return
	}

	jobID := ""
	if w.tracker != nil {
		job := w.tracker.CreateJob(payload.Organization.SourceID)
		jobID = job.ID
		w.tracker.Logf(jobID, "drop payload %s accepted", filepath.Base(path))
	}

	summary, loadErr := w.loader.LoadPayload(ctx, jobID, casemover.LoadIncremental, payload)
	if loadErr != nil {
		w.logger.Printf("payload %s loaded with errors: %v", filepath.Base(path), loadErr)
		if w.tracker != nil {
			w.tracker.Finish(jobID, casemover.JobError)
		}
		w.finish(path, ".failed")
		return
	}
	w.logger.Printf("payload %s loaded: %d resource types for org %s", filepath.Base(path), len(summary.Counts), summary.OrgID)
	if w.tracker != nil {
		w.tracker.Finish(jobID, casemover.JobDone)
	}
	w.finish(path, ".done")
}

func (w *Watcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.logger.Printf("rename %s failed: %v", path, err)
	}
}

func isPayloadFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".json")
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
