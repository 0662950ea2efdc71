package tps

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/storage"
)

func testKey() Key {
	return Key{
		EndpointID: uuid.New(),
		ModelID:    "llama3:8b",
		API:        endpoint.APIChatCompletions,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTracker_FirstSampleSetsEMA(t *testing.T) {
	tracker := NewTracker(0.2)
	key := testKey()

	if _, ok := tracker.EMA(key); ok {
		t.Fatal("EMA() before any sample reported data")
	}

	tracker.RecordSuccess(key, 100, 2*time.Second)

	got, ok := tracker.EMA(key)
	if !ok {
		t.Fatal("EMA() after first sample reported no data")
	}
	if !almostEqual(got, 50.0) {
		t.Errorf("EMA() = %v, want 50.0", got)
	}
}

func TestTracker_EMASmoothing(t *testing.T) {
	tracker := NewTracker(0.2)
	key := testKey()

	tracker.RecordSuccess(key, 100, 2*time.Second) // 50 tok/s
	tracker.RecordSuccess(key, 200, 2*time.Second) // 100 tok/s

	got, _ := tracker.EMA(key)
	// 0.2*100 + 0.8*50
	if !almostEqual(got, 60.0) {
		t.Errorf("EMA() = %v, want 60.0", got)
	}
}

func TestTracker_SkipsZeroSamples(t *testing.T) {
	tests := []struct {
		name     string
		tokens   uint64
		duration time.Duration
	}{
		{"zero tokens", 0, time.Second},
		{"zero duration", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(0.2)
			key := testKey()

			tracker.RecordSuccess(key, 100, 2*time.Second)
			tracker.RecordSuccess(key, tt.tokens, tt.duration)

			got, _ := tracker.EMA(key)
			if !almostEqual(got, 50.0) {
				t.Errorf("EMA() after degenerate sample = %v, want unchanged 50.0", got)
			}
		})
	}
}

func TestTracker_SeriesAreIndependent(t *testing.T) {
	tracker := NewTracker(0.2)
	epID := uuid.New()
	chat := Key{EndpointID: epID, ModelID: "llama3:8b", API: endpoint.APIChatCompletions}
	embed := Key{EndpointID: epID, ModelID: "llama3:8b", API: endpoint.APIEmbeddings}

	tracker.RecordSuccess(chat, 100, time.Second)
	tracker.RecordSuccess(embed, 400, time.Second)

	if got, _ := tracker.EMA(chat); !almostEqual(got, 100.0) {
		t.Errorf("chat EMA = %v, want 100.0", got)
	}
	if got, _ := tracker.EMA(embed); !almostEqual(got, 400.0) {
		t.Errorf("embeddings EMA = %v, want 400.0", got)
	}
}

func TestTracker_FailuresDoNotMoveEMA(t *testing.T) {
	tracker := NewTracker(0.2)
	key := testKey()

	tracker.RecordSuccess(key, 100, 2*time.Second)
	tracker.RecordFailure(key)

	got, _ := tracker.EMA(key)
	if !almostEqual(got, 50.0) {
		t.Errorf("EMA() after failure = %v, want unchanged 50.0", got)
	}
}

func TestTracker_Seed(t *testing.T) {
	tracker := NewTracker(0.2)
	live := testKey()
	cold := testKey()

	tracker.RecordSuccess(live, 100, time.Second)

	tracker.Seed([]storage.TPSSeedEntry{
		{EndpointID: live.EndpointID, ModelID: live.ModelID, APIKind: live.API,
			OutputTokens: 9000, DurationMS: 1000},
		{EndpointID: cold.EndpointID, ModelID: cold.ModelID, APIKind: cold.API,
			OutputTokens: 300, DurationMS: 10_000},
		// Degenerate aggregates are ignored.
		{EndpointID: uuid.New(), ModelID: "m", APIKind: endpoint.APIChatCompletions,
			OutputTokens: 0, DurationMS: 1000},
	})

	// Live series keeps its live value.
	if got, _ := tracker.EMA(live); !almostEqual(got, 100.0) {
		t.Errorf("live EMA after seed = %v, want 100.0", got)
	}
	// Cold series gets the aggregate day-average: 300 tokens over 10 s.
	got, ok := tracker.EMA(cold)
	if !ok {
		t.Fatal("cold series not seeded")
	}
	if !almostEqual(got, 30.0) {
		t.Errorf("seeded EMA = %v, want 30.0", got)
	}
	if len(tracker.Snapshot()) != 2 {
		t.Errorf("Snapshot() size = %d, want 2", len(tracker.Snapshot()))
	}
}

func TestTracker_DeleteEndpoint(t *testing.T) {
	tracker := NewTracker(0.2)
	gone := testKey()
	kept := testKey()

	tracker.RecordSuccess(gone, 100, time.Second)
	tracker.RecordSuccess(kept, 100, time.Second)

	tracker.DeleteEndpoint(gone.EndpointID)

	if _, ok := tracker.EMA(gone); ok {
		t.Error("EMA() for deleted endpoint still reports data")
	}
	if _, ok := tracker.EMA(kept); !ok {
		t.Error("EMA() for surviving endpoint lost data")
	}
	if deltas := tracker.ConsumeDeltas(); len(deltas) != 1 {
		t.Errorf("ConsumeDeltas() after delete = %d deltas, want 1", len(deltas))
	}
}

func TestTracker_ConsumeDeltas(t *testing.T) {
	tracker := NewTracker(0.2)
	key := testKey()

	tracker.RecordSuccess(key, 100, 2*time.Second)
	tracker.RecordSuccess(key, 50, time.Second)
	tracker.RecordFailure(key)

	deltas := tracker.ConsumeDeltas()
	if len(deltas) != 1 {
		t.Fatalf("len(ConsumeDeltas()) = %d, want 1", len(deltas))
	}
	d := deltas[0]
	if d.EndpointID != key.EndpointID || d.ModelID != key.ModelID || d.APIKind != key.API {
		t.Errorf("delta key = %v/%s/%s, want %v/%s/%s",
			d.EndpointID, d.ModelID, d.APIKind, key.EndpointID, key.ModelID, key.API)
	}
	if d.Requests != 3 || d.Successes != 2 || d.Failures != 1 {
		t.Errorf("delta counts = {req %d, ok %d, fail %d}, want {3, 2, 1}",
			d.Requests, d.Successes, d.Failures)
	}
	if d.OutputTokens != 150 || d.DurationMS != 3000 {
		t.Errorf("delta sums = {tok %d, dur %d}, want {150, 3000}", d.OutputTokens, d.DurationMS)
	}

	// Draining leaves nothing behind.
	if again := tracker.ConsumeDeltas(); len(again) != 0 {
		t.Errorf("second ConsumeDeltas() = %d deltas, want 0", len(again))
	}
}

func TestFlusher_PersistsDeltas(t *testing.T) {
	tracker := NewTracker(0.2)
	store := storage.NewMemoryStatsStore()
	key := testKey()

	tracker.RecordSuccess(key, 100, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	flusher := NewFlusher(tracker, store, time.Hour)
	go func() {
		flusher.Run(ctx)
		close(done)
	}()

	// Cancellation triggers the final flush.
	cancel()
	<-done

	seed, err := store.TPSSeed(context.Background(), 1)
	if err != nil {
		t.Fatalf("TPSSeed() error: %v", err)
	}
	if len(seed) != 1 || seed[0].OutputTokens != 100 {
		t.Errorf("persisted seed = %+v, want one entry with 100 tokens", seed)
	}
}
