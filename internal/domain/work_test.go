package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryValid(t *testing.T) {
	assert.True(t, NewEntry(" 0123 ", "90210").Valid())
	assert.False(t, NewEntry("", "90210").Valid())
	assert.False(t, NewEntry("0123", "   ").Valid())
}

func TestWorkItemPriority(t *testing.T) {
	assert.Equal(t, PriorityInteractive, NewInteractive(NewEntry("a", "1")).Priority())
	assert.Equal(t, PriorityBatch, NewBatch("/tmp/x.csv", 3).Priority())
	assert.Less(t, int(PriorityInteractive), int(PriorityBatch))
}

func TestResumeKeepsTotal(t *testing.T) {
	orig := NewBatch("/tmp/x.csv", 3)
	ref := *orig.Batch
	ref.StartOffset = 1
	ref.Tally.Record(true)

	next := Resume(orig.ID, ref)
	require.NoError(t, next.Validate())
	assert.Equal(t, orig.ID, next.ID)
	assert.Equal(t, 3, next.Batch.TotalCount)
	assert.Equal(t, 2, next.Batch.Remaining())

	// the original is untouched
	assert.Equal(t, 0, orig.Batch.StartOffset)
}

func TestWorkItemValidate(t *testing.T) {
	bad := NewBatch("/tmp/x.csv", 3)
	bad.Batch.StartOffset = 4
	assert.Error(t, bad.Validate())

	mixed := NewInteractive(NewEntry("a", "1"))
	mixed.Batch = &BatchRef{}
	assert.Error(t, mixed.Validate())

	assert.Error(t, WorkItem{ID: "x", Kind: "other"}.Validate())
}

func TestWorkItemValidateErrorCarriesStack(t *testing.T) {
	bad := NewBatch("/tmp/x.csv", 3)
	bad.Batch.StartOffset = 4
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 4 outside [0,3]")
	assert.Contains(t, fmt.Sprintf("%+v", err), "WorkItem.Validate")
}

func TestWorkItemJSON(t *testing.T) {
	in := NewInteractive(NewEntry("a", "1"))
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out WorkItem
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, *in.Entry, *out.Entry)
	assert.Nil(t, out.Batch)
}

func TestProcessingResultRecord(t *testing.T) {
	var r ProcessingResult
	r.Record(true)
	r.Record(false)
	r.Record(true)
	assert.Equal(t, ProcessingResult{Attempted: 3, Succeeded: 2, Failed: 1}, r)
}
