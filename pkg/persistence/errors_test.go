package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("not found errors match the model sentinel", func(t *testing.T) {
		assert.ErrorIs(t, persistence.ErrInstanceNotFound, models.ErrNotFound)
		assert.ErrorIs(t, persistence.ErrFlowNotFound, models.ErrNotFound)
		assert.ErrorIs(t, persistence.ErrCronEntryNotFound, models.ErrNotFound)
		assert.Equal(t, "instance not found", persistence.ErrInstanceNotFound.Error())
	})

	t.Run("record error unwraps", func(t *testing.T) {
		err := persistence.NewInstanceError("Save", "i-123", persistence.ErrConcurrencyConflict)

		assert.True(t, persistence.IsConflict(err))
		assert.False(t, persistence.IsNotFound(err))
		assert.True(t, errors.Is(err, models.ErrConcurrencyConflict))
		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "i-123")
	})

	t.Run("not found check", func(t *testing.T) {
		err := persistence.NewFlowError("FlowByID", "orders", persistence.ErrFlowNotFound)

		assert.True(t, persistence.IsNotFound(err))
		assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
	})
}
