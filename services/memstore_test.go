package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cppla/carbonboard/models"
)

// memStore is an in-memory RecordStore with the same version semantics as the gorm repository.
type memStore struct {
	mu       sync.Mutex
	nextID   uint
	records  map[string]*models.WeeklyRecord
	archives map[string]*models.ArchivedWeeklyRecord

	// failUpsert makes Upsert fail for the listed users.
	failUpsert map[string]bool
	// conflictOnce makes the next Upsert for the listed users lose a race.
	conflictOnce map[string]bool
	queryErr     error
	// beforeQuery runs at the start of QueryByWeek, outside the lock.
	beforeQuery func()
}

func newMemStore() *memStore {
	return &memStore{
		records:      map[string]*models.WeeklyRecord{},
		archives:     map[string]*models.ArchivedWeeklyRecord{},
		failUpsert:   map[string]bool{},
		conflictOnce: map[string]bool{},
	}
}

func memKey(userID, week string) string { return userID + "|" + week }

func (m *memStore) GetByKey(_ context.Context, userID string, week models.Week) (*models.WeeklyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(userID, week.String())]
	if !ok {
		return nil, fmt.Errorf("record %s/%s: %w", userID, week, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *memStore) GetOrCreate(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(userID, week.String())
	if rec, ok := m.records[k]; ok {
		return rec.Clone(), nil
	}
	m.nextID++
	rec := models.NewWeeklyRecord(userID, week, time.Time{})
	rec.ID = m.nextID
	m.records[k] = rec.Clone()
	return rec, nil
}

func (m *memStore) QueryByWeek(_ context.Context, week models.Week) ([]models.WeeklyRecord, error) {
	if m.beforeQuery != nil {
		m.beforeQuery()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []models.WeeklyRecord
	for _, rec := range m.records {
		if rec.WeekKey == week.String() && !rec.Superseded {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) Upsert(_ context.Context, rec *models.WeeklyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert[rec.UserID] {
		return fmt.Errorf("upsert %s: %w", rec.UserID, ErrStore)
	}
	k := memKey(rec.UserID, rec.WeekKey)
	stored, ok := m.records[k]
	if rec.ID == 0 {
		if ok {
			return fmt.Errorf("insert %s: %w", k, ErrConflict)
		}
		m.nextID++
		rec.ID = m.nextID
		m.records[k] = rec.Clone()
		return nil
	}
	if m.conflictOnce[rec.UserID] {
		delete(m.conflictOnce, rec.UserID)
		stored.Version++
		return fmt.Errorf("update %s: %w", k, ErrConflict)
	}
	if !ok || stored.Version != rec.Version {
		return fmt.Errorf("update %s: %w", k, ErrConflict)
	}
	rec.Version++
	m.records[k] = rec.Clone()
	return nil
}

func (m *memStore) Archive(_ context.Context, rec *models.ArchivedWeeklyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(rec.UserID, rec.WeekKey)
	if _, ok := m.archives[k]; ok {
		return false, nil
	}
	c := *rec
	c.DailyHistory = append(c.DailyHistory[:0:0], rec.DailyHistory...)
	m.archives[k] = &c
	return true, nil
}

func (m *memStore) put(rec *models.WeeklyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.records[memKey(rec.UserID, rec.WeekKey)] = rec.Clone()
}

func (m *memStore) get(userID string, week models.Week) *models.WeeklyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(userID, week.String())]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// recordingCache is a Cache that remembers what was invalidated.
type recordingCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{data: map[string][]byte{}}
}

func (c *recordingCache) GetBytes(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok
}

func (c *recordingCache) SetJSON(_ context.Context, key string, v interface{}, _ time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
}

func (c *recordingCache) InvalidateByPrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, prefix)
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
