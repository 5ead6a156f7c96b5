package searchsync

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationID_String(t *testing.T) {
	assert.Equal(t, "products-title/3", GenerationID{IndexID: "products-title", Generation: 3}.String())
}

func TestNewAttemptID(t *testing.T) {
	a := NewAttemptID()
	b := NewAttemptID()

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, NoAttempt, a)
	_, err := uuid.Parse(string(a))
	require.NoError(t, err)
}

func TestPriority(t *testing.T) {
	tests := []struct {
		priority Priority
		label    string
		phase    Phase
	}{
		{PriorityInitialSyncChangeStream, "initial_sync_change_stream", PhaseInitialSync},
		{PrioritySteadyStateChangeStream, "steady_state_change_stream", PhaseSteadyState},
		{PriorityInitialSyncCollectionScan, "initial_sync_collection_scan", PhaseInitialSync},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.label, tt.priority.String())
			assert.Equal(t, tt.phase, tt.priority.Phase())
			assert.Equal(t, tt.phase == PhaseInitialSync, tt.priority.IsInitialSync())
		})
	}

	assert.Equal(t, "priority(7)", Priority(7).String())
}

func TestPriority_Order(t *testing.T) {
	assert.Less(t, int(PriorityInitialSyncChangeStream), int(PrioritySteadyStateChangeStream))
	assert.Less(t, int(PrioritySteadyStateChangeStream), int(PriorityInitialSyncCollectionScan))
}
