// Package web provides HTTP request and response types for the engine API.
package web

import (
	"time"

	"github.com/dukex/operion-engine/pkg/models"
)

// CreateInstanceRequest represents the request body for starting a flow instance.
type CreateInstanceRequest struct {
	FlowID string         `json:"flow_id" validate:"required"`
	Input  map[string]any `json:"input"`
}

// CronEntryRequest represents the request body for registering or updating a
// cron entry. Active defaults to true when omitted.
type CronEntryRequest struct {
	ID             string         `json:"id"              validate:"required"`
	FlowID         string         `json:"flow_id"         validate:"required"`
	CronExpression string         `json:"cron_expression" validate:"required"`
	Timezone       string         `json:"timezone"`
	Input          map[string]any `json:"input"`
	Active         *bool          `json:"active"`
}

// Entry converts the request into a cron entry.
func (r CronEntryRequest) Entry() *models.CronJobEntry {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.CronJobEntry{
		ID:             r.ID,
		FlowID:         r.FlowID,
		CronExpression: r.CronExpression,
		Timezone:       r.Timezone,
		Input:          r.Input,
		Active:         active,
	}
}

// InstanceResponse is the filtered view of an instance returned by the API.
// The definition snapshot and claim bookkeeping are omitted.
type InstanceResponse struct {
	ID              string                                `json:"id"`
	FlowID          string                                `json:"flow_id"`
	Status          models.ExecutionStatus                `json:"status"`
	CurrentStep     string                                `json:"current_step,omitempty"`
	Context         map[string]any                        `json:"context"`
	History         map[string]*models.StepExecutionState `json:"history"`
	Trigger         map[string]any                        `json:"trigger,omitempty"`
	CancelRequested bool                                  `json:"cancel_requested,omitempty"`
	LastError       string                                `json:"last_error,omitempty"`
	Version         int64                                 `json:"version"`
	NextDueAt       *time.Time                            `json:"next_due_at,omitempty"`
	CreatedAt       time.Time                             `json:"created_at"`
	UpdatedAt       time.Time                             `json:"updated_at"`
	CompletedAt     *time.Time                            `json:"completed_at,omitempty"`
}

// TransformInstanceResponse builds the API view of state.
func TransformInstanceResponse(state *models.ExecutionState) InstanceResponse {
	response := InstanceResponse{
		ID:              state.ID,
		FlowID:          state.FlowID,
		Status:          state.Status,
		CurrentStep:     state.CurrentStep,
		Context:         state.Context,
		History:         state.History,
		Trigger:         state.Trigger,
		CancelRequested: state.CancelRequested,
		LastError:       state.LastError,
		Version:         state.Version,
		CreatedAt:       state.CreatedAt,
		UpdatedAt:       state.UpdatedAt,
		CompletedAt:     state.CompletedAt,
	}

	// a finished instance is never due again
	if !state.Status.IsTerminal() {
		due := state.NextDueAt
		response.NextDueAt = &due
	}

	return response
}
