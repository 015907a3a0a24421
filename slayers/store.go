package slayers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrMemberNotFound = errors.New("member record not found")

// CooldownStore tracks when each submitter may next have a request
// processed.
type CooldownStore interface {
	// AcquireCooldown atomically checks for an active cooldown and, if
	// there is none, reserves one lasting d from now. When a cooldown
	// is already active, it returns the time remaining and false.
	AcquireCooldown(
		ctx context.Context,
		submitterID string,
		now time.Time,
		d time.Duration,
	) (remaining time.Duration, ok bool, err error)

	// ReleaseCooldown removes the cooldown for submitterID, only if it
	// still ends at until. A newer reservation is left alone.
	ReleaseCooldown(ctx context.Context, submitterID string, until time.Time) error

	// CooldownRemaining returns the time left on the submitter's
	// cooldown, or 0
	CooldownRemaining(
		ctx context.Context,
		submitterID string,
		now time.Time,
	) (time.Duration, error)
}

// WarningStore rate-limits similar-name warnings
type WarningStore interface {
	// TryWarn reports whether a warning may be sent to submitterID now,
	// recording it if so. At most one warning is allowed per interval.
	// An interval <= 0 disables warnings.
	TryWarn(
		ctx context.Context,
		submitterID string,
		now time.Time,
		interval time.Duration,
	) (bool, error)
}

// MemberRegistry holds one MemberRecord per submitter
type MemberRegistry interface {
	SaveMember(ctx context.Context, record MemberRecord) error

	// GetMember returns ErrMemberNotFound when there's no record
	GetMember(ctx context.Context, submitterID string) (*MemberRecord, error)

	// DeleteMember reports whether a record was deleted
	DeleteMember(ctx context.Context, submitterID string) (bool, error)

	// ListMembers returns every record, ordered by name
	ListMembers(ctx context.Context) ([]MemberRecord, error)

	CountMembers(ctx context.Context) (int64, error)
}

// MemoryStore implements CooldownStore, WarningStore and MemberRegistry
// with in-process maps
type MemoryStore struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	warnings  map[string]time.Time
	members   map[string]MemberRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cooldowns: map[string]time.Time{},
		warnings:  map[string]time.Time{},
		members:   map[string]MemberRecord{},
	}
}

func (m *MemoryStore) AcquireCooldown(
	_ context.Context,
	submitterID string,
	now time.Time,
	d time.Duration,
) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until, ok := m.cooldowns[submitterID]; ok && now.Before(until) {
		return until.Sub(now), false, nil
	}
	if d <= 0 {
		return 0, true, nil
	}
	m.cooldowns[submitterID] = now.Add(d)
	return 0, true, nil
}

func (m *MemoryStore) ReleaseCooldown(
	_ context.Context,
	submitterID string,
	until time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.cooldowns[submitterID]; ok && current.Equal(until) {
		delete(m.cooldowns, submitterID)
	}
	return nil
}

func (m *MemoryStore) CooldownRemaining(
	_ context.Context,
	submitterID string,
	now time.Time,
) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.cooldowns[submitterID]
	if !ok || !now.Before(until) {
		return 0, nil
	}
	return until.Sub(now), nil
}

func (m *MemoryStore) TryWarn(
	_ context.Context,
	submitterID string,
	now time.Time,
	interval time.Duration,
) (bool, error) {
	if interval <= 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.warnings[submitterID]; ok && now.Sub(last) < interval {
		return false, nil
	}
	m.warnings[submitterID] = now
	return true, nil
}

func (m *MemoryStore) SaveMember(_ context.Context, record MemberRecord) error {
	if record.SubmitterID == "" {
		return errors.New("member record missing submitter id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[record.SubmitterID] = record
	return nil
}

func (m *MemoryStore) GetMember(
	_ context.Context,
	submitterID string,
) (*MemberRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.members[submitterID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return &record, nil
}

func (m *MemoryStore) DeleteMember(_ context.Context, submitterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[submitterID]
	delete(m.members, submitterID)
	return ok, nil
}

func (m *MemoryStore) ListMembers(_ context.Context) ([]MemberRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]MemberRecord, 0, len(m.members))
	for _, r := range m.members {
		records = append(records, r)
	}
	sort.Slice(
		records, func(i, j int) bool {
			if records[i].Name == records[j].Name {
				return records[i].SubmitterID < records[j].SubmitterID
			}
			return records[i].Name < records[j].Name
		},
	)
	return records, nil
}

func (m *MemoryStore) CountMembers(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.members)), nil
}
