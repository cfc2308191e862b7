package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

type userRecord struct {
	endpoints []models.Endpoint
	byKey     map[string]int
}

// MemoryStorage is a process-local Registry and JobStore. Nothing survives a
// restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	users map[string]*userRecord
	jobs  map[string]*models.Job
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users: make(map[string]*userRecord),
		jobs:  make(map[string]*models.Job),
	}
}

func (s *MemoryStorage) Upsert(ctx context.Context, userID string, endpoint models.Endpoint) (UpsertResult, error) {
	if err := validateUpsert(userID, endpoint); err != nil {
		return UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.users[userID]
	if !exists {
		rec = &userRecord{byKey: make(map[string]int)}
		s.users[userID] = rec
	}

	endpoint = endpoint.Clone()
	if idx, ok := rec.byKey[endpoint.Key()]; ok {
		rec.endpoints[idx] = endpoint
		return UpsertResult{Index: idx, Created: false, Total: len(rec.endpoints)}, nil
	}

	rec.endpoints = append(rec.endpoints, endpoint)
	idx := len(rec.endpoints) - 1
	rec.byKey[endpoint.Key()] = idx
	return UpsertResult{Index: idx, Created: true, Total: len(rec.endpoints)}, nil
}

func (s *MemoryStorage) ListEndpoints(ctx context.Context, userID string) ([]models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.users[userID]
	if !exists {
		return []models.Endpoint{}, nil
	}

	endpoints := make([]models.Endpoint, len(rec.endpoints))
	for i, e := range rec.endpoints {
		endpoints[i] = e.Clone()
	}
	return endpoints, nil
}

func (s *MemoryStorage) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStorage) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

// PendingJobs returns waiting jobs ordered by fire time.
func (s *MemoryStorage) PendingJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].FireAt.Before(jobs[k].FireAt)
	})
	return jobs, nil
}
