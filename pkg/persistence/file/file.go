// Package file provides a file-based persistence implementation. Every
// record is a JSON document under the root directory. Writes are serialised
// by a process-local mutex, so a root must not be shared between processes.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/operion-engine/pkg/clock"
)

const (
	flowsDir     = "flows"
	instancesDir = "instances"
	cronDir      = "cron"
	leasesDir    = "leases"
)

type Option func(*Persistence)

// WithClock sets the clock used to evaluate lease expiry.
func WithClock(c clock.Clock) Option {
	return func(p *Persistence) {
		p.clock = c
	}
}

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root  string
	mu    sync.Mutex
	clock clock.Clock
}

// NewPersistence creates a file store rooted at root. A "file://" prefix is
// accepted so the value can come straight from a database URL.
func NewPersistence(root string, opts ...Option) *Persistence {
	p := &Persistence{
		root:  strings.Replace(root, "file://", "", 1),
		clock: clock.System{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// HealthCheck checks that the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); err != nil {
		return fmt.Errorf("file persistence root %s: %w", p.root, err)
	}

	return nil
}

// Close is a no-op for file persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) path(dir, id string) string {
	return filepath.Join(p.root, dir, url.PathEscape(id)+".json")
}

// read decodes the record id of dir into v. found is false when no file
// exists.
func (p *Persistence) read(dir, id string, v any) (bool, error) {
	body, err := os.ReadFile(p.path(dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s/%s: %w", dir, id, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return true, nil
}

// write stores v atomically by renaming a temporary file over the record.
func (p *Persistence) write(dir, id string, v any) error {
	if err := os.MkdirAll(filepath.Join(p.root, dir), 0o750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	target := p.path(dir, id)

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	return nil
}

func (p *Persistence) remove(dir, id string) error {
	err := os.Remove(p.path(dir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s/%s: %w", dir, id, err)
	}

	return nil
}

// ids lists the record ids stored in dir.
func (p *Persistence) ids(dir string) ([]string, error) {
	matches, err := fs.Glob(os.DirFS(filepath.Join(p.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(matches))

	for _, name := range matches {
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("invalid record file %s/%s: %w", dir, name, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// all decodes every record of dir and passes it to fn.
func all[T any](p *Persistence, dir string, fn func(*T)) error {
	ids, err := p.ids(dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		record := new(T)

		found, err := p.read(dir, id, record)
		if err != nil {
			return err
		}

		if found {
			fn(record)
		}
	}

	return nil
}
