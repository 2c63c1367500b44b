// Package prompts holds the system prompts for the two model stages.
// Compiled-in defaults can be overridden per deployment by dropping
// triage.md and generation.md into a prompts directory; edits to that
// directory are picked up live.
package prompts

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

//go:embed defaults/triage.md defaults/generation.md
var defaultFS embed.FS

const (
	triageFile     = "triage.md"
	generationFile = "generation.md"
)

type Library struct {
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex
	triage     string
	generation string
}

// NewLibrary loads the embedded defaults and applies any overrides
// found in dir. An empty dir means defaults only.
func NewLibrary(dir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lib := &Library{dir: strings.TrimSpace(dir), logger: logger}

	triage, err := defaultFS.ReadFile("defaults/" + triageFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded triage prompt: %w", err)
	}
	generation, err := defaultFS.ReadFile("defaults/" + generationFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded generation prompt: %w", err)
	}
	lib.triage = string(triage)
	lib.generation = string(generation)

	lib.Reload()
	return lib, nil
}

func (l *Library) Triage() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.triage
}

func (l *Library) Generation() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Reload re-reads the override files. Missing or unreadable overrides
// leave the current prompt in place, so a half-written file during an
// editor save never blanks a stage.
func (l *Library) Reload() {
	if l.dir == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if text, ok := l.readOverride(triageFile); ok {
		l.triage = text
	}
	if text, ok := l.readOverride(generationFile); ok {
		l.generation = text
	}
}

func (l *Library) readOverride(name string) (string, bool) {
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Error("failed to read prompt override", "path", path, "error", err)
		}
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", false
	}
	return text, true
}

// Watch blocks until ctx is cancelled, reloading the library whenever a
// prompt file in the override directory changes.
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		<-ctx.Done()
		return nil
	}

	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fileWatcher.Close()

	if err := fileWatcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch prompts dir %s: %w", l.dir, err)
	}
	l.logger.Info("prompt watcher started", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("prompt watcher stopped")
			return nil
		case event := <-fileWatcher.Events:
			if filepath.Ext(event.Name) != ".md" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Info("prompt changed", "path", event.Name, "op", event.Op.String())
			l.Reload()
		case err := <-fileWatcher.Errors:
			if err != nil {
				l.logger.Error("prompt watcher error", "error", err)
			}
		}
	}
}
