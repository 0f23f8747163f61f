package storage

import (
	"context"
	"testing"

	"dnpu/internal/model"
)

func sampleRun(id, createdAt string) model.TrainingRun {
	return Versioned(model.TrainingRun{
		ID:                     id,
		CreatedAtUTC:           createdAt,
		Platform:               "simulation",
		InputIndices:           []int{0, 4},
		ControlIndices:         []int{1, 2, 3},
		ControlLow:             []float64{-1, -1, -1},
		ControlHigh:            []float64{1, 1, 1},
		RegularisationFactor:   1,
		Optimizer:              "adam",
		LearningRate:           0.01,
		Epochs:                 100,
		EpochsRun:              100,
		FinalLoss:              0.0025,
		InitialControlVoltages: []float64{0.1, -0.4, 0.7},
		ControlVoltages:        []float64{0.3, -0.2, 0.5},
	})
}

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	older := sampleRun("run-a", "2026-01-02T10:00:00Z")
	newer := sampleRun("run-b", "2026-01-03T10:00:00Z")
	for _, run := range []model.TrainingRun{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	loaded, ok, err := store.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected run-a")
	}
	if loaded.Platform != "simulation" || len(loaded.ControlVoltages) != 3 || loaded.ControlVoltages[2] != 0.5 {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, ok=%t err=%v", ok, err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	history := []model.EpochRecord{
		{Epoch: 1, Loss: 0.5, Regularization: 0.1, ControlDelta: 0.01},
		{Epoch: 2, Loss: 0.25, Regularization: 0, ControlDelta: 0.02},
	}
	if err := store.SaveHistory(ctx, "run-a", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	loadedHistory, ok, err := store.GetHistory(ctx, "run-a")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok || len(loadedHistory) != 2 || loadedHistory[1].Loss != 0.25 {
		t.Fatalf("unexpected history: ok=%t %+v", ok, loadedHistory)
	}
	if _, ok, err := store.GetHistory(ctx, "run-b"); err != nil || ok {
		t.Fatalf("expected no history for run-b, ok=%t err=%v", ok, err)
	}

	updated := older
	updated.FinalLoss = 0.001
	if err := store.SaveRun(ctx, updated); err != nil {
		t.Fatalf("overwrite run: %v", err)
	}
	loaded, _, err = store.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get updated run: %v", err)
	}
	if loaded.FinalLoss != 0.001 {
		t.Fatalf("expected overwritten final loss, got %f", loaded.FinalLoss)
	}
}
