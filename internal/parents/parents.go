// Package parents loads the parent roster and watches it for changes.
package parents

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"tilesync/internal/domain"
)

type file struct {
	Parents []domain.ParentEntity `yaml:"parents"`
}

// Load reads a YAML roster of the form `parents: [{id, name, team}]`.
func Load(path string) ([]domain.ParentEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) ([]domain.ParentEntity, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid parents yaml: %w", err)
	}
	seen := map[string]bool{}
	for i, p := range f.Parents {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("parents[%d].id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("parent %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Parents, nil
}

const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the roster after it changes on disk and hands it to
// OnChange. Calls to OnChange never overlap.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(context.Context, []domain.ParentEntity)
	logger   *log.Logger
	fs       *fsnotify.Watcher
}

// NewWatcher starts watching the roster's directory so that editors which
// replace the file are seen as well.
func NewWatcher(path string, debounce time.Duration, onChange func(context.Context, []domain.ParentEntity), logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, debounce: debounce, onChange: onChange, logger: logger, fs: fw}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("parents: watch error: %v", err)
		case <-fire:
			fire = nil
			list, err := Load(w.path)
			if err != nil {
				w.logger.Printf("parents: reload %s: %v", w.path, err)
				continue
			}
			w.onChange(ctx, list)
		}
	}
}
