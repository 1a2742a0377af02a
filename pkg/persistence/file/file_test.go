package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T, c *clock.Fake) persistence.Persistence {
		return NewPersistence(t.TempDir(), WithClock(c))
	})
}

func TestNewPersistence_StripsScheme(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence("file://" + dir)

	assert.Equal(t, dir, p.root)
	assert.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence(filepath.Join(dir, "missing"))
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestPersistence_LeaseKeysAreEscaped(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence(dir)

	_, ok, err := p.Acquire(context.Background(), "partition/3", "worker-a", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = os.Stat(filepath.Join(dir, leasesDir, "partition%2F3.json"))
	assert.NoError(t, err)
}

func TestPersistence_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence(dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, instancesDir), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, instancesDir, "broken.json"), []byte("{"), 0o600))

	_, err := p.Load(context.Background(), "broken")
	require.Error(t, err)
	assert.False(t, persistence.IsNotFound(err))
}
