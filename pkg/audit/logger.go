package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// EventType defines the category of a journal event.
type EventType string

const (
	EventTransition EventType = "TRANSITION"
	EventVerify     EventType = "VERIFY"
	EventExport     EventType = "EXPORT"
)

// Event is one line of the run journal.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Journal writes run events as JSON lines prefixed with "AUDIT: ". It is an
// operational trail next to the immutable audit records, not a replacement.
type Journal struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewJournal creates a Journal writing to w, or to os.Stderr when w is nil.
func NewJournal(w io.Writer) *Journal {
	if w == nil {
		w = os.Stderr
	}
	return &Journal{writer: w, now: time.Now}
}

// Record writes one event.
func (j *Journal) Record(_ context.Context, runID string, eventType EventType, action string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		Action:    action,
		Timestamp: j.now().UTC(),
		Metadata:  metadata,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = j.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// ObserveTransition records a state machine step. Its signature matches the
// orchestrator's observer hook.
func (j *Journal) ObserveTransition(ctx context.Context, runID string, t contracts.Transition) {
	if err := j.Record(ctx, runID, EventTransition, string(t.To), map[string]any{"from": string(t.From)}); err != nil {
		slog.Default().WarnContext(ctx, "journal write failed", "run_id", runID, "state", string(t.To), "error", err)
	}
}
