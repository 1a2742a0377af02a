package sqlbase

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationManager_LatestVersion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Equal(t, 0, NewMigrationManager(logger, nil, nil).LatestVersion())
	assert.Equal(t, 3, NewMigrationManager(logger, nil, map[int]string{2: "b", 3: "c", 1: "a"}).LatestVersion())
}
