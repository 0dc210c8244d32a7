package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
)

type cursorKey struct {
	table string
	dir   models.Direction
}

// MemoryCursorStore is a process-local CursorStore
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[cursorKey]models.SyncCursor
	now     func() time.Time
}

// NewMemoryCursorStore creates an empty cursor store
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[cursorKey]models.SyncCursor), now: time.Now}
}

var _ CursorStore = (*MemoryCursorStore)(nil)

// GetWatermark returns the stored watermark
func (s *MemoryCursorStore) GetWatermark(ctx context.Context, table string, dir models.Direction) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey{table, dir}]
	return c.Watermark, ok, nil
}

// Advance moves the watermark forward
func (s *MemoryCursorStore) Advance(ctx context.Context, table string, dir models.Direction, wm int64) error {
	if !dir.Valid() {
		return apperrors.NewValidationError("direction", string(dir))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{table, dir}
	c, ok := s.cursors[key]
	if ok {
		if wm < c.Watermark {
			return apperrors.NewWatermarkRegressionError(table, string(dir), c.Watermark, wm)
		}
		if wm == c.Watermark {
			return nil
		}
	}
	s.cursors[key] = models.SyncCursor{TableName: table, Direction: dir, Watermark: wm, UpdatedAt: s.now()}
	return nil
}

// List returns every cursor ordered by table and direction
func (s *MemoryCursorStore) List(ctx context.Context) ([]models.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SyncCursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

type memoryRow struct {
	version int64
	payload map[string]any
}

// MemoryTableStore is a process-local TableStore holding rows keyed by table and id
type MemoryTableStore struct {
	mu     sync.Mutex
	tables map[string]map[string]memoryRow
}

// NewMemoryTableStore creates an empty table store
func NewMemoryTableStore() *MemoryTableStore {
	return &MemoryTableStore{tables: make(map[string]map[string]memoryRow)}
}

var _ TableStore = (*MemoryTableStore)(nil)

// Put writes a row unconditionally, as an application write would
func (s *MemoryTableStore) Put(table, id string, version int64, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]memoryRow)
		s.tables[table] = rows
	}
	rows[id] = memoryRow{version: version, payload: copyPayload(payload)}
}

// Row returns a stored row
func (s *MemoryTableStore) Row(table, id string) (int64, map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[table][id]
	if !ok {
		return 0, nil, false
	}
	return r.version, copyPayload(r.payload), true
}

// Snapshot returns every row of table by id
func (s *MemoryTableStore) Snapshot(table string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.tables[table]))
	for id, r := range s.tables[table] {
		out[id] = r.version
	}
	return out
}

// Extract returns rows newer than since
func (s *MemoryTableStore) Extract(ctx context.Context, spec models.TableSpec, since int64, limit int) ([]models.ChangeRecord, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []models.ChangeRecord
	for id, r := range s.tables[spec.Name] {
		if r.version > since {
			changes = append(changes, models.ChangeRecord{
				TableName: spec.Name,
				RowID:     id,
				Version:   r.version,
				Payload:   copyPayload(r.payload),
			})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Version != changes[j].Version {
			return changes[i].Version < changes[j].Version
		}
		return changes[i].RowID < changes[j].RowID
	})

	if limit > 0 && len(changes) > limit {
		last := changes[limit-1].Version
		end := limit
		for end < len(changes) && changes[end].Version == last {
			end++
		}
		changes = changes[:end]
	}
	if len(changes) == 0 {
		return nil, since, nil
	}
	return changes, changes[len(changes)-1].Version, nil
}

// Upsert applies changes newer than the stored row; tie settles equal versions
func (s *MemoryTableStore) Upsert(ctx context.Context, spec models.TableSpec, changes []models.ChangeRecord, tie TieRule) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(changes) == 0 {
		return 0, nil
	}

	rows, ok := s.tables[spec.Name]
	if !ok {
		rows = make(map[string]memoryRow)
		s.tables[spec.Name] = rows
	}
	written := 0
	for _, c := range changes {
		if existing, ok := rows[c.RowID]; ok && !tie.Replaces(existing.version, c.Version) {
			continue
		}
		rows[c.RowID] = memoryRow{version: c.Version, payload: copyPayload(c.Payload)}
		written++
	}
	return written, nil
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryHold
	seq  uint64
	now  func() time.Time
}

// NewMemoryLocker creates an unlocked locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), now: time.Now}
}

var _ Locker = (*MemoryLocker)(nil)

// Acquire takes key unless it is held and unexpired
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && l.now().Before(h.until) {
		return nil, false, nil
	}
	l.seq++
	lock := &memoryLock{locker: l, key: key, ttl: ttl, seq: l.seq}
	l.held[key] = memoryHold{seq: lock.seq, until: l.now().Add(ttl)}
	return lock, true, nil
}

type memoryHold struct {
	seq   uint64
	until time.Time
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	ttl    time.Duration
	seq    uint64
}

func (m *memoryLock) Refresh(ctx context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[m.key]
	if !ok || h.seq != m.seq || !l.now().Before(h.until) {
		return ErrLockLost
	}
	l.held[m.key] = memoryHold{seq: m.seq, until: l.now().Add(m.ttl)}
	return nil
}

func (m *memoryLock) Release(ctx context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[m.key]; ok && h.seq == m.seq {
		delete(l.held, m.key)
	}
	return nil
}

// MemoryRecorder collects conflict records
type MemoryRecorder struct {
	mu      sync.Mutex
	records []models.ConflictRecord
}

// Record stores records
func (r *MemoryRecorder) Record(ctx context.Context, records []models.ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

// Records returns everything recorded so far
func (r *MemoryRecorder) Records() []models.ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConflictRecord(nil), r.records...)
}
