package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/storage"
	"github.com/symbi-labs/arena/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(_ *testing.T) storage.Repository { return New() })
}

func TestDeepCopyIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	trial := &domain.Trial{
		ID: "trial-1", RunID: "run-1", ExperimentID: "exp-1", TaskID: "task-1",
		Status:    domain.TrialPending,
		Slots:     domain.SlotMapping{"A": "control"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutTrial(ctx, trial))

	// Mutating the caller's copy must not leak into the store.
	trial.Slots["A"] = "tampered"

	got, err := store.GetTrial(ctx, "trial-1")
	require.NoError(t, err)
	assert.Equal(t, "control", got.Slots["A"])

	// Mutating a read copy must not leak either.
	got.Slots["A"] = "tampered"
	again, err := store.GetTrial(ctx, "trial-1")
	require.NoError(t, err)
	assert.Equal(t, "control", again.Slots["A"])
}
