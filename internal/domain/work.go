package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityBatch
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBatch:
		return "batch"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type Kind string

const (
	KindInteractive Kind = "interactive"
	KindBatch       Kind = "batch"
)

// Entry is one (code, zone) unit of work.
type Entry struct {
	Code string `json:"code"`
	Zone string `json:"zone"`
}

// NewEntry trims both parts of the pair.
func NewEntry(code, zone string) Entry {
	return Entry{Code: strings.TrimSpace(code), Zone: strings.TrimSpace(zone)}
}

func (e Entry) Valid() bool { return e.Code != "" && e.Zone != "" }

func (e Entry) String() string { return e.Code + "@" + e.Zone }

// ProcessingResult tallies the outcome of the rows of one batch.
type ProcessingResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Record counts one attempt.
func (r *ProcessingResult) Record(ok bool) {
	r.Attempted++
	if ok {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

// BatchRef points at the unprocessed part of an uploaded batch.
//
// Offsets are indexes into the ORIGINAL row ordering. Base is the original
// index of the first data row in Source, so a materialized remainder has
// Base > 0 while the upload itself has Base == 0.
type BatchRef struct {
	Source      string           `json:"source"`
	Base        int              `json:"base"`
	StartOffset int              `json:"start_offset"`
	TotalCount  int              `json:"total_count"`
	ResumeID    string           `json:"resume_id,omitempty"`
	Tally       ProcessingResult `json:"tally"`
}

// Remaining is the number of rows not yet processed.
func (b BatchRef) Remaining() int { return b.TotalCount - b.StartOffset }

// WorkItem is the unit held by the priority queue. Exactly one of Entry and
// Batch is set, matching Kind. Items are never mutated after construction.
type WorkItem struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Entry      *Entry    `json:"entry,omitempty"`
	Batch      *BatchRef `json:"batch,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewInteractive(e Entry) WorkItem {
	return WorkItem{
		ID:         uuid.NewString(),
		Kind:       KindInteractive,
		Entry:      &e,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewBatch creates the item for a freshly uploaded source of total rows.
func NewBatch(source string, total int) WorkItem {
	return WorkItem{
		ID:         uuid.NewString(),
		Kind:       KindBatch,
		Batch:      &BatchRef{Source: source, TotalCount: total},
		EnqueuedAt: time.Now().UTC(),
	}
}

// Resume creates the item for the remainder of batch id. The batch keeps
// its id so progress across pauses is reported against the same batch.
func Resume(id string, ref BatchRef) WorkItem {
	return WorkItem{
		ID:         id,
		Kind:       KindBatch,
		Batch:      &ref,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (w WorkItem) Priority() Priority {
	if w.Kind == KindInteractive {
		return PriorityInteractive
	}
	return PriorityBatch
}

// Validate checks that the variant payload matches Kind.
func (w WorkItem) Validate() error {
	switch w.Kind {
	case KindInteractive:
		if w.Entry == nil || w.Batch != nil {
			return errors.Errorf("interactive item %s: want entry only", w.ID)
		}
	case KindBatch:
		if w.Batch == nil || w.Entry != nil {
			return errors.Errorf("batch item %s: want batch only", w.ID)
		}
		if w.Batch.StartOffset < w.Batch.Base || w.Batch.StartOffset > w.Batch.TotalCount {
			return errors.Errorf("batch item %s: offset %d outside [%d,%d]",
				w.ID, w.Batch.StartOffset, w.Batch.Base, w.Batch.TotalCount)
		}
	default:
		return errors.Errorf("item %s: unknown kind %q", w.ID, w.Kind)
	}
	return nil
}

// State is the scheduler's worker state.
type State string

const (
	Idle               State = "idle"
	RunningInteractive State = "running_interactive"
	RunningBatchRow    State = "running_batch_row"
	PreemptingBatch    State = "preempting_batch"
)
