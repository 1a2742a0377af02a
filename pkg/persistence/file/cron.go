package file

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

func (p *Persistence) CronEntry(_ context.Context, id string) (*models.CronJobEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entry models.CronJobEntry

	found, err := p.read(cronDir, id, &entry)
	if err != nil {
		return nil, persistence.NewCronError("CronEntry", id, err)
	}

	if !found {
		return nil, persistence.NewCronError("CronEntry", id, persistence.ErrCronEntryNotFound)
	}

	return &entry, nil
}

func (p *Persistence) SaveCron(_ context.Context, entry *models.CronJobEntry, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current models.CronJobEntry

	exists, err := p.read(cronDir, entry.ID, &current)
	if err != nil {
		return persistence.NewCronError("SaveCron", entry.ID, err)
	}

	switch {
	case expectedVersion == 0 && exists:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
	case expectedVersion != 0 && !exists:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrCronEntryNotFound)
	case exists && current.Version != expectedVersion:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
	}

	record := *entry
	record.Version = expectedVersion + 1

	if err := p.write(cronDir, entry.ID, &record); err != nil {
		return persistence.NewCronError("SaveCron", entry.ID, err)
	}

	entry.Version = record.Version

	return nil
}

func (p *Persistence) ListDueCron(_ context.Context, now time.Time) ([]*models.CronJobEntry, error) {
	return p.cronEntries(func(entry *models.CronJobEntry) bool {
		return entry.IsDue(now)
	})
}

func (p *Persistence) CronEntries(_ context.Context) ([]*models.CronJobEntry, error) {
	return p.cronEntries(func(*models.CronJobEntry) bool { return true })
}

func (p *Persistence) cronEntries(keep func(*models.CronJobEntry) bool) ([]*models.CronJobEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*models.CronJobEntry, 0)

	err := all(p, cronDir, func(entry *models.CronJobEntry) {
		if keep(entry) {
			entries = append(entries, entry)
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(entries, func(a, b *models.CronJobEntry) int {
		if c := a.NextDueAt.Compare(b.NextDueAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return entries, nil
}
