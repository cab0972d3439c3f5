package spam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Proton-105/forward-bot/internal/repository"
)

// mirrorFile is the on-disk shape of the keyword mirror.
type mirrorFile struct {
	Keywords []string `json:"keywords"`
}

// Manager keeps three views of the keyword set in sync: the database table,
// the JSON mirror file, and the compiled detector snapshot. On startup the
// file wins; afterwards admin commands write through all three and external
// edits to the file are picked up by the watcher.
type Manager struct {
	repo     repository.KeywordRepository
	detector *KeywordDetector
	path     string
	log      *slog.Logger

	mu      sync.Mutex
	writing bool
}

// NewManager constructs the keyword manager. path may be empty to disable
// the file mirror.
func NewManager(repo repository.KeywordRepository, detector *KeywordDetector, path string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		repo:     repo,
		detector: detector,
		path:     path,
		log:      log,
	}
}

// Load reconciles the three views at startup. When the mirror file exists
// its contents replace the table; otherwise the table is exported to a
// fresh file.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path != "" {
		keywords, err := readMirror(m.path)
		if err == nil {
			if err := m.repo.Replace(ctx, keywords); err != nil {
				return fmt.Errorf("import keyword mirror: %w", err)
			}
			m.detector.Reload(keywords)
			m.log.Info("loaded keywords from mirror file", slog.Int("count", len(keywords)))
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("read keyword mirror: %w", err)
		}
	}

	stored, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	keywords := make([]string, 0, len(stored))
	for _, kw := range stored {
		keywords = append(keywords, kw.Pattern)
	}
	m.detector.Reload(keywords)

	if m.path != "" {
		if err := m.writeMirror(keywords); err != nil {
			m.log.Warn("failed to export keyword mirror", slog.Any("error", err))
		}
	}

	m.log.Info("loaded keywords from database", slog.Int("count", len(keywords)))

	return nil
}

// Add writes a new keyword through all three views. Returns false when the
// keyword already exists.
func (m *Manager) Add(ctx context.Context, pattern string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added, err := m.repo.Add(ctx, pattern)
	if err != nil || !added {
		return added, err
	}

	return true, m.refreshLocked(ctx)
}

// Remove deletes a keyword from all three views. Returns false when the
// keyword was not configured.
func (m *Manager) Remove(ctx context.Context, pattern string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.repo.Remove(ctx, pattern)
	if err != nil || !removed {
		return removed, err
	}

	return true, m.refreshLocked(ctx)
}

// Watch reloads the keyword set when the mirror file changes on disk.
// Blocks until ctx is done; meant to run in its own goroutine.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create keyword watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors and atomic writers replace the file,
	// which would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch keyword directory: %w", err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if m.selfWrite() {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := m.reloadFromFile(ctx); err != nil {
				m.log.Error("failed to reload keyword mirror", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("keyword watcher error", slog.Any("error", err))
		}
	}
}

func (m *Manager) reloadFromFile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keywords, err := readMirror(m.path)
	if err != nil {
		return err
	}

	if err := m.repo.Replace(ctx, keywords); err != nil {
		return err
	}
	m.detector.Reload(keywords)
	m.log.Info("keyword mirror changed on disk, reloaded", slog.Int("count", len(keywords)))

	return nil
}

// refreshLocked rebuilds the detector and the mirror from the table after a
// write. Caller holds mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	stored, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	keywords := make([]string, 0, len(stored))
	for _, kw := range stored {
		keywords = append(keywords, kw.Pattern)
	}
	m.detector.Reload(keywords)

	if m.path != "" {
		if err := m.writeMirror(keywords); err != nil {
			m.log.Warn("failed to update keyword mirror", slog.Any("error", err))
		}
	}

	return nil
}

// writeMirror atomically replaces the mirror file. Caller holds mu.
func (m *Manager) writeMirror(keywords []string) error {
	m.writing = true

	data, err := json.MarshalIndent(mirrorFile{Keywords: keywords}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, m.path)
}

// selfWrite consumes the flag set by writeMirror so the watcher ignores the
// event caused by our own rename.
func (m *Manager) selfWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writing {
		m.writing = false
		return true
	}

	return false
}

func readMirror(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mf mirrorFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse keyword mirror: %w", err)
	}

	return mf.Keywords, nil
}
