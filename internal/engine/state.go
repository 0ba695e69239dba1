package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lc/scry/internal/filesys"
	"github.com/lc/scry/internal/resolver"
	"github.com/lc/scry/internal/watch"
)

// WithStateFile enables watch persistence at path, so a restarted daemon
// picks up the watches of the previous instance.
func WithStateFile(fops filesys.FileOps, path string) Option {
	return func(e *Engine) {
		e.state = &stateFile{fops: fops, path: path}
	}
}

// stateFile persists the watch set as YAML. Resolved endpoints are not
// stored; restored watches are due immediately and re-resolve on startup.
type stateFile struct {
	fops filesys.FileOps
	path string

	mu sync.Mutex // serializes save against concurrent watch changes
}

type stateDoc struct {
	Watches []stateWatch `yaml:"watches"`
}

type stateWatch struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Family string `yaml:"family"`
}

func (s *stateFile) save(watches []watch.Watch) error {
	doc := stateDoc{Watches: make([]stateWatch, 0, len(watches))}
	for _, w := range watches {
		doc.Watches = append(doc.Watches, stateWatch{
			ID:     w.ID,
			Name:   w.Name,
			Kind:   string(w.Kind),
			Family: w.Family.String(),
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding watch state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fops.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return filesys.AtomicWrite(s.fops, s.path, data, 0o600)
}

func (s *stateFile) load() ([]*watch.Watch, error) {
	s.mu.Lock()
	data, err := s.fops.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading watch state: %w", err)
	}

	var doc stateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding watch state: %w", err)
	}

	watches := make([]*watch.Watch, 0, len(doc.Watches))
	for _, sw := range doc.Watches {
		family, err := resolver.ParseLookupFamily(sw.Family)
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", sw.Name, err)
		}
		kind := watch.Kind(sw.Kind)
		if kind != watch.KindHost && kind != watch.KindSrv {
			return nil, fmt.Errorf("watch %q: unknown kind %q", sw.Name, sw.Kind)
		}
		watches = append(watches, &watch.Watch{
			ID:     sw.ID,
			Name:   sw.Name,
			Kind:   kind,
			Family: family,
		})
	}
	return watches, nil
}
