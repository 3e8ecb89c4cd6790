// Package store persists full runs append-only. A run's findings, evidence,
// classification result and audit record are written in one transaction and
// never updated or deleted afterwards. Audit records form a hash chain across
// all runs so that removal or reordering is detectable.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ignacio1972/mineria-sub003/pkg/canonicalize"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

var (
	ErrRunNotFound                = errors.New("store: run not found")
	ErrDuplicateRun               = errors.New("store: run already stored")
	ErrChecksumPersistenceFailure = errors.New("store: checksum persistence failure")
	ErrMutationAttempt            = errors.New("store: mutation of stored run attempted")
	ErrChainBroken                = errors.New("store: audit hash chain is broken")
	ErrNotPersistable             = errors.New("store: only completed full runs with an audit record are stored")
)

// GenesisHash is the previous hash of the first audit record.
const GenesisHash = "genesis"

// RunStore is the persistence boundary of the engine. It exposes no update
// or delete operation.
type RunStore interface {
	// SaveRun stores a completed full run atomically and returns the audit
	// record with its chain fields assigned.
	SaveRun(ctx context.Context, run contracts.Run) (contracts.AuditRecord, error)
	GetRun(ctx context.Context, runID string) (contracts.Run, error)
	// ListRuns returns the runs of a project, oldest first.
	ListRuns(ctx context.Context, projectID string) ([]contracts.Run, error)
	// VerifyChain recomputes every record hash and link.
	VerifyChain(ctx context.Context) error
}

func checkPersistable(run contracts.Run) error {
	if run.Mode != contracts.ModeFull || run.Audit == nil || run.State != contracts.RunCompleted {
		return fmt.Errorf("%w: run %s is %s/%s", ErrNotPersistable, run.RunID, run.Mode, run.State)
	}
	if run.Audit.RunID != run.RunID || run.Result.RunID != run.RunID {
		return fmt.Errorf("%w: run %s carries a result or audit record of another run", ErrNotPersistable, run.RunID)
	}
	return nil
}

// chain assigns sequence and hashes to rec, linking it after prev.
func chain(rec contracts.AuditRecord, seq uint64, prev string) (contracts.AuditRecord, error) {
	rec.Sequence = seq
	rec.PreviousHash = prev
	rec.RecordHash = ""
	h, err := recordHash(rec)
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	rec.RecordHash = h
	return rec, nil
}

// recordHash covers every field of the record except RecordHash itself.
func recordHash(rec contracts.AuditRecord) (string, error) {
	rec.RecordHash = ""
	rec.CreatedAt = rec.CreatedAt.UTC()
	h, err := canonicalize.Digest(rec)
	if err != nil {
		return "", fmt.Errorf("store: hash audit record: %w", err)
	}
	return h, nil
}

// VerifyRecords checks a sequence-ordered slice of chained records.
func VerifyRecords(records []contracts.AuditRecord) error {
	expectedPrev := GenesisHash
	for i, rec := range records {
		if rec.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: record %d has sequence %d", ErrChainBroken, i, rec.Sequence)
		}
		if rec.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: record %d has previous_hash %s but expected %s",
				ErrChainBroken, i, rec.PreviousHash, expectedPrev)
		}
		computed, err := recordHash(rec)
		if err != nil {
			return fmt.Errorf("%w: record %d: %w", ErrChainBroken, i, err)
		}
		if computed != rec.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, rec.RecordHash)
		}
		expectedPrev = rec.RecordHash
	}
	return nil
}
