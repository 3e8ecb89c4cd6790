package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// MemoryStore is an in-process RunStore with the same append-only and
// hash-chain semantics as the SQL stores.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      []contracts.Run
	runByID   map[string]int
	records   []contracts.AuditRecord
	sequence  uint64
	chainHead string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runByID:   make(map[string]int),
		chainHead: GenesisHash,
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, run contracts.Run) (contracts.AuditRecord, error) {
	if err := checkPersistable(run); err != nil {
		return contracts.AuditRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return contracts.AuditRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.runByID[run.RunID]; ok {
		return contracts.AuditRecord{}, conflict(s.runs[i], run)
	}

	rec, err := chain(*run.Audit, s.sequence+1, s.chainHead)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("%w: %w", ErrChecksumPersistenceFailure, err)
	}

	stored := cloneRun(run)
	stored.Audit = &rec
	s.sequence = rec.Sequence
	s.chainHead = rec.RecordHash
	s.runByID[run.RunID] = len(s.runs)
	s.runs = append(s.runs, stored)
	s.records = append(s.records, rec)

	return rec, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (contracts.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.runByID[runID]
	if !ok {
		return contracts.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return cloneRun(s.runs[i]), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, projectID string) ([]contracts.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Run, 0)
	for _, r := range s.runs {
		if r.ProjectID == projectID {
			out = append(out, cloneRun(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) VerifyChain(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyRecords(s.records)
}

// ChainHead returns the hash of the latest audit record.
func (s *MemoryStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// conflict classifies a second save of the same run id: the identical run is
// a duplicate, anything else would rewrite history.
func conflict(stored, incoming contracts.Run) error {
	if stored.Audit != nil && incoming.Audit != nil &&
		stored.Audit.InputChecksum == incoming.Audit.InputChecksum &&
		stored.Audit.ResultHash == incoming.Audit.ResultHash {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, incoming.RunID)
	}
	return fmt.Errorf("%w: %s", ErrMutationAttempt, incoming.RunID)
}

func cloneRun(r contracts.Run) contracts.Run {
	out := r
	out.Project.Attributes = r.Project.Attributes.Clone()
	out.Findings = cloneSlice(r.Findings)
	out.Evidence = cloneSlice(r.Evidence)
	out.Transitions = cloneSlice(r.Transitions)
	out.Result.ContributingFactors = cloneSlice(r.Result.ContributingFactors)
	out.Result.DegradedLayers = cloneSlice(r.Result.DegradedLayers)
	if r.Audit != nil {
		rec := *r.Audit
		rec.LayerVersionsUsed = cloneSlice(r.Audit.LayerVersionsUsed)
		rec.Thresholds = cloneSlice(r.Audit.Thresholds)
		out.Audit = &rec
	}
	return out
}

// cloneSlice copies s, keeping nil and empty distinct since both hash.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
