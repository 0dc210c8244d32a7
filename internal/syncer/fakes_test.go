package syncer

import (
	"context"
	"sync"

	"github.com/syncqueue/internal/models"
)

// faultyTableStore wraps a MemoryTableStore with injectable upsert failures
// and an extract counter.
type faultyTableStore struct {
	*MemoryTableStore

	mu        sync.Mutex
	upsertErr map[string]error
	extracts  int
}

func newFaultyTableStore() *faultyTableStore {
	return &faultyTableStore{MemoryTableStore: NewMemoryTableStore(), upsertErr: make(map[string]error)}
}

// FailUpserts makes every Upsert on table return err until cleared with nil
func (s *faultyTableStore) FailUpserts(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.upsertErr, table)
		return
	}
	s.upsertErr[table] = err
}

func (s *faultyTableStore) Extracts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extracts
}

func (s *faultyTableStore) Extract(ctx context.Context, spec models.TableSpec, since int64, limit int) ([]models.ChangeRecord, int64, error) {
	s.mu.Lock()
	s.extracts++
	s.mu.Unlock()
	return s.MemoryTableStore.Extract(ctx, spec, since, limit)
}

func (s *faultyTableStore) Upsert(ctx context.Context, spec models.TableSpec, changes []models.ChangeRecord, tie TieRule) (int, error) {
	s.mu.Lock()
	err := s.upsertErr[spec.Name]
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.MemoryTableStore.Upsert(ctx, spec, changes, tie)
}

// faultyRecorder is a MemoryRecorder that can be made to fail
type faultyRecorder struct {
	MemoryRecorder

	mu  sync.Mutex
	err error
}

func (r *faultyRecorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *faultyRecorder) Record(ctx context.Context, records []models.ConflictRecord) error {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemoryRecorder.Record(ctx, records)
}
