package memory_test

import (
	"testing"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/persistence/memory"
	"github.com/dukex/operion-engine/pkg/persistence/persistencetest"
)

func TestMemoryPersistence(t *testing.T) {
	persistencetest.Run(t, func(_ *testing.T, c *clock.Fake) persistence.Persistence {
		return memory.NewPersistence(memory.WithClock(c))
	})
}
