package queue

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherax/segqueue/internal/domain"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// memStore is an in-memory Store for tests. It mirrors the semantics the
// postgres implementation provides, including the WHERE-status guard and
// returning copies so callers cannot mutate stored state directly.
type memStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.QueueItem

	// failFind forces FindItems to return this error when set.
	failFind error
	// afterFind runs once after the next successful FindItems, outside the
	// store lock, to simulate a writer racing between a read and the
	// guarded update that follows it.
	afterFind func()
}

func newMemStore() *memStore {
	return &memStore{items: make(map[uuid.UUID]*domain.QueueItem)}
}

func (s *memStore) InsertItems(_ context.Context, items []*domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		cp := *item
		s.items[item.ID] = &cp
	}
	return nil
}

func (s *memStore) FindItems(_ context.Context, filter ItemFilter) ([]*domain.QueueItem, error) {
	s.mu.Lock()

	if s.failFind != nil {
		s.mu.Unlock()
		return nil, s.failFind
	}

	var out []*domain.QueueItem
	for _, item := range s.items {
		if matches(item, filter) {
			cp := *item
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID.String() < out[b].ID.String()
	})

	hook := s.afterFind
	s.afterFind = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	return out, nil
}

func (s *memStore) TransitionItems(
	_ context.Context,
	ids []uuid.UUID,
	from []domain.ItemStatus,
	update ItemUpdate,
) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var affected []uuid.UUID
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || !statusIn(item.Status, from) {
			continue
		}

		item.Status = update.Status
		item.UpdatedAt = now
		if update.SetBatchID {
			item.BatchID = update.BatchID
		}
		if update.SetStartedAt {
			item.StartedAt = update.StartedAt
		}
		if update.SetCompletedAt {
			item.CompletedAt = update.CompletedAt
		}
		if update.SetError {
			item.Error = update.Error
		}
		if update.IncrementRetry {
			item.RetryCount++
		}
		affected = append(affected, id)
	}

	return affected, nil
}

func (s *memStore) DeleteItems(_ context.Context, filter ItemFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, item := range s.items {
		if matches(item, filter) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) CountByStatus(_ context.Context) (map[domain.ItemStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.ItemStatus]int64)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// get returns a copy of the stored item for assertions.
func (s *memStore) get(id uuid.UUID) (domain.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.QueueItem{}, false
	}
	return *item, true
}

func matches(item *domain.QueueItem, filter ItemFilter) bool {
	if len(filter.Statuses) > 0 && !statusIn(item.Status, filter.Statuses) {
		return false
	}
	if filter.ProjectID != nil && item.ProjectID != *filter.ProjectID {
		return false
	}
	if filter.UserID != nil && item.UserID != *filter.UserID {
		return false
	}
	if filter.BatchTag != nil && item.BatchTag != *filter.BatchTag {
		return false
	}
	if len(filter.ImageIDs) > 0 {
		found := false
		for _, id := range filter.ImageIDs {
			if item.ImageID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.StartedBefore != nil {
		if item.StartedAt == nil || !item.StartedAt.Before(*filter.StartedBefore) {
			return false
		}
	}
	if filter.CompletedBefore != nil {
		if item.CompletedAt == nil || !item.CompletedAt.Before(*filter.CompletedBefore) {
			return false
		}
	}
	return true
}

func statusIn(status domain.ItemStatus, set []domain.ItemStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// fakeBackend is a scriptable SegmentationBackend.
type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	healthErr error

	// respond builds the response for a request; nil means echo success
	// per image.
	respond func(req BatchRequest) (*BatchResponse, error)
}

func (b *fakeBackend) SegmentBatch(_ context.Context, req BatchRequest) (*BatchResponse, error) {
	b.mu.Lock()
	b.calls++
	respond := b.respond
	b.mu.Unlock()

	if respond != nil {
		return respond(req)
	}

	results := make([]ImageResult, len(req.Images))
	for i := range req.Images {
		results[i] = ImageResult{
			Success:  true,
			Polygons: []Polygon{{Points: []Point{{0, 0}, {1, 0}, {1, 1}}}},
		}
	}
	return &BatchResponse{Success: true, Results: results}, nil
}

func (b *fakeBackend) Health(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthErr
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// fakeStorage serves image bytes for every key unless a key is marked
// missing.
type fakeStorage struct {
	mu      sync.Mutex
	missing map[string]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{missing: make(map[string]bool)}
}

func (s *fakeStorage) markMissing(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[key] = true
}

func (s *fakeStorage) Fetch(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[key] {
		return nil, ErrObjectNotFound
	}
	return []byte("png-bytes"), nil
}

// recordingChannel captures published events for assertions.
type recordingChannel struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

type recordedEvent struct {
	Room    string
	Event   string
	Payload any
}

func (c *recordingChannel) Publish(_ context.Context, room, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, recordedEvent{Room: room, Event: event, Payload: payload})
	return nil
}

func (c *recordingChannel) byEvent(name string) []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedEvent
	for _, ev := range c.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}
