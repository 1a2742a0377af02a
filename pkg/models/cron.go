package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// CronParser parses standard 5-field expressions (minute hour day month
// weekday) and descriptors such as "@hourly".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronJobEntry is a recurring trigger that creates a new instance of a flow
// each time its expression fires. NextDueAt is precomputed so due entries can
// be selected with a single query.
type CronJobEntry struct {
	ID             string         `json:"id"                         yaml:"id"              validate:"required"`
	CronExpression string         `json:"cron_expression"            yaml:"cron_expression" validate:"required"`
	Timezone       string         `json:"timezone,omitempty"         yaml:"timezone,omitempty"`
	FlowID         string         `json:"flow_id"                    yaml:"flow_id"         validate:"required"`
	Input          map[string]any `json:"input,omitempty"            yaml:"input,omitempty"`
	Active         bool           `json:"active"                     yaml:"-"`
	NextDueAt      time.Time      `json:"next_due_at"                yaml:"-"`
	LeaseOwner     string         `json:"lease_owner,omitempty"      yaml:"-"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty" yaml:"-"`
	LastFiredAt    *time.Time     `json:"last_fired_at,omitempty"    yaml:"-"`
	LastInstanceID string         `json:"last_instance_id,omitempty" yaml:"-"`
	Version        int64          `json:"version"                    yaml:"-"`
	CreatedAt      time.Time      `json:"created_at"                 yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at"                 yaml:"-"`
}

// Location returns the entry's timezone, UTC when unset.
func (c *CronJobEntry) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidCronEntry, c.Timezone, err)
	}

	return loc, nil
}

// Validate checks the required fields, the expression and the timezone.
func (c *CronJobEntry) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCronEntry, err)
	}

	if _, err := CronParser.Parse(c.CronExpression); err != nil {
		return fmt.Errorf("%w: expression %q: %w", ErrInvalidCronEntry, c.CronExpression, err)
	}

	_, err := c.Location()

	return err
}

// IsDue reports whether the entry should fire at now.
func (c *CronJobEntry) IsDue(now time.Time) bool {
	return c.Active && !c.NextDueAt.After(now)
}

// LeasedByOther reports whether another node holds an unexpired lease.
func (c *CronJobEntry) LeasedByOther(node string, now time.Time) bool {
	if c.LeaseOwner == "" || c.LeaseOwner == node || c.LeaseExpiresAt == nil {
		return false
	}

	return c.LeaseExpiresAt.After(now)
}

// Clone returns a copy that does not share the input bag.
func (c *CronJobEntry) Clone() *CronJobEntry {
	clone := *c
	clone.Input = cloneMap(c.Input)

	return &clone
}
