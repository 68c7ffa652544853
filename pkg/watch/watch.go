// Package watch polls an inbox folder and hands every case folder that
// has stopped changing to a handler, once.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"airwayseg/pkg/naming"
)

// Handler processes one settled folder.
type Handler func(ctx context.Context, dir string) error

// Watcher scans the top-level folders of Dir every PollInterval. A folder
// whose newest entry is older than Settle is passed to Handler.
type Watcher struct {
	Dir          string
	PollInterval time.Duration
	Settle       time.Duration
	Handler      Handler

	// Skip excludes folders by name, e.g. output roots created in the inbox
	Skip func(name string) bool

	Logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]bool
	now  func() time.Time
}

// New creates a watcher that skips folders carrying the output suffix.
func New(dir string, poll, settle time.Duration, suffix string, handler Handler, logger zerolog.Logger) *Watcher {
	if suffix == "" {
		suffix = naming.DefaultSuffix
	}
	return &Watcher{
		Dir:          dir,
		PollInterval: poll,
		Settle:       settle,
		Handler:      handler,
		Skip: func(name string) bool {
			return naming.IsHidden(name) || strings.Contains(name, suffix)
		},
		Logger: logger,
	}
}

// Run scans until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Logger.Info().Str("dir", w.Dir).Dur("poll", interval).Dur("settle", w.Settle).Msg("Watching inbox")
	for {
		if _, err := w.Scan(ctx); err != nil {
			w.Logger.Error().Err(err).Msg("Error scanning inbox")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan makes one pass over the inbox and returns the folders handed to
// Handler. Folders are handled one at a time, in name order.
func (w *Watcher) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return naming.NaturalLess(entries[i].Name(), entries[j].Name()) })

	var handled []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if !e.IsDir() || (w.Skip != nil && w.Skip(e.Name())) {
			continue
		}
		dir := filepath.Join(w.Dir, e.Name())
		if w.isSeen(dir) {
			continue
		}
		newest, err := newestModTime(dir)
		if err != nil {
			w.Logger.Warn().Err(err).Str("folder", e.Name()).Msg("Error inspecting folder")
			continue
		}
		if w.clock().Sub(newest) < w.Settle {
			w.Logger.Debug().Str("folder", e.Name()).Time("modified", newest).Msg("Folder still changing")
			continue
		}

		w.markSeen(dir)
		w.Logger.Info().Str("folder", e.Name()).Msg("Processing settled folder")
		if err := w.Handler(ctx, dir); err != nil {
			w.Logger.Error().Err(err).Str("folder", e.Name()).Msg("Error processing folder")
		}
		handled = append(handled, dir)
	}
	return handled, nil
}

func (w *Watcher) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Watcher) isSeen(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[dir]
}

func (w *Watcher) markSeen(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	w.seen[dir] = true
}

func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}
