package mocks

import (
	"context"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockStep is a mock implementation of protocol.Step. StepType is returned
// by Type without recording a call.
type MockStep struct {
	mock.Mock

	StepType string
}

func NewMockStep(stepType string) *MockStep {
	return &MockStep{StepType: stepType}
}

func (m *MockStep) Type() string {
	return m.StepType
}

func (m *MockStep) Validate(config map[string]any) error {
	args := m.Called(config)

	return args.Error(0)
}

func (m *MockStep) Execute(ctx context.Context, in protocol.StepInput) models.StepResult {
	args := m.Called(ctx, in)

	return args.Get(0).(models.StepResult)
}
