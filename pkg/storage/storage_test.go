package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
)

func testEndpoint(name string) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:      uuid.New(),
		Name:    name,
		BaseURL: "http://10.0.0.1:11434",
		Flavor:  endpoint.FlavorUnknown,
		Status:  endpoint.StatusPending,
		Models: []endpoint.Model{
			{ID: "llama3:8b", Capabilities: []endpoint.Capability{endpoint.CapabilityChat}},
		},
		MaxConcurrency: 4,
		CheckInterval:  30 * time.Second,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func endpointStores(t *testing.T) map[string]EndpointStore {
	t.Helper()
	sqlite, err := NewSQLiteEndpointStore(filepath.Join(t.TempDir(), "endpoints.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite endpoint store: %v", err)
	}
	return map[string]EndpointStore{
		"sqlite": sqlite,
		"memory": NewMemoryEndpointStore(),
	}
}

func statsStores(t *testing.T) map[string]StatsStore {
	t.Helper()
	sqlite, err := NewSQLiteStatsStore(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite stats store: %v", err)
	}
	return map[string]StatsStore{
		"sqlite": sqlite,
		"memory": NewMemoryStatsStore(),
	}
}

func TestEndpointStore_KeepsAPIKey(t *testing.T) {
	ctx := context.Background()

	for name, store := range endpointStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			ep := testEndpoint("cloud-vllm")
			ep.APIKey = "sk-secret"
			if err := store.Save(ctx, ep); err != nil {
				t.Fatalf("Save() error: %v", err)
			}

			got, err := store.Get(ctx, ep.ID)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got.APIKey != "sk-secret" {
				t.Errorf("Get() api key = %q, want it preserved", got.APIKey)
			}

			list, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(list) != 1 || list[0].APIKey != "sk-secret" {
				t.Errorf("List() did not preserve api key: %+v", list)
			}
		})
	}
}

func TestEndpointStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, store := range endpointStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			ep := testEndpoint("local-ollama")
			if err := store.Save(ctx, ep); err != nil {
				t.Fatalf("Save() error: %v", err)
			}

			got, err := store.Get(ctx, ep.ID)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got.Name != ep.Name || got.BaseURL != ep.BaseURL || got.Status != ep.Status {
				t.Errorf("Get() = %+v, want %+v", got, ep)
			}
			if len(got.Models) != 1 || got.Models[0].ID != "llama3:8b" {
				t.Errorf("Get() models = %+v, want llama3:8b", got.Models)
			}

			// Upsert replaces the record.
			ep.Status = endpoint.StatusOnline
			if err := store.Save(ctx, ep); err != nil {
				t.Fatalf("Save() upsert error: %v", err)
			}
			got, err = store.Get(ctx, ep.ID)
			if err != nil {
				t.Fatalf("Get() after upsert error: %v", err)
			}
			if got.Status != endpoint.StatusOnline {
				t.Errorf("Status after upsert = %q, want %q", got.Status, endpoint.StatusOnline)
			}

			if err := store.Delete(ctx, ep.ID); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if _, err := store.Get(ctx, ep.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
			}

			// Deleting an absent record is a no-op.
			if err := store.Delete(ctx, uuid.New()); err != nil {
				t.Errorf("Delete() of absent record error: %v", err)
			}
		})
	}
}

func TestEndpointStore_ListOrderedByName(t *testing.T) {
	ctx := context.Background()

	for name, store := range endpointStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			for _, n := range []string{"charlie", "alpha", "bravo"} {
				if err := store.Save(ctx, testEndpoint(n)); err != nil {
					t.Fatalf("Save(%q) error: %v", n, err)
				}
			}

			got, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len(List()) = %d, want 3", len(got))
			}
			want := []string{"alpha", "bravo", "charlie"}
			for i, w := range want {
				if got[i].Name != w {
					t.Errorf("List()[%d].Name = %q, want %q", i, got[i].Name, w)
				}
			}
		})
	}
}

func TestStatsStore_DailyUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	epID := uuid.New()
	today := time.Now().Format(DateFormat)

	for name, store := range statsStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			delta := DailyUsageDelta{
				EndpointID:   epID,
				ModelID:      "llama3:8b",
				APIKind:      endpoint.APIChatCompletions,
				Date:         today,
				Requests:     2,
				Successes:    2,
				OutputTokens: 100,
				DurationMS:   2000,
			}
			if err := store.AddDailyUsage(ctx, []DailyUsageDelta{delta}); err != nil {
				t.Fatalf("AddDailyUsage() error: %v", err)
			}
			// Second batch accumulates onto the same row.
			delta.Requests = 1
			delta.Successes = 0
			delta.Failures = 1
			delta.OutputTokens = 50
			delta.DurationMS = 1000
			if err := store.AddDailyUsage(ctx, []DailyUsageDelta{delta}); err != nil {
				t.Fatalf("AddDailyUsage() second batch error: %v", err)
			}

			seed, err := store.TPSSeed(ctx, 7)
			if err != nil {
				t.Fatalf("TPSSeed() error: %v", err)
			}
			if len(seed) != 1 {
				t.Fatalf("len(TPSSeed()) = %d, want 1", len(seed))
			}
			got := seed[0]
			if got.EndpointID != epID || got.ModelID != "llama3:8b" || got.APIKind != endpoint.APIChatCompletions {
				t.Errorf("seed key = %v/%s/%s, want %v/llama3:8b/chat_completions",
					got.EndpointID, got.ModelID, got.APIKind, epID)
			}
			if got.Requests != 3 || got.OutputTokens != 150 || got.DurationMS != 3000 {
				t.Errorf("seed sums = {req %d, tok %d, dur %d}, want {3, 150, 3000}",
					got.Requests, got.OutputTokens, got.DurationMS)
			}
		})
	}
}

func TestStatsStore_MinuteHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	for name, store := range statsStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			points := []MinutePoint{
				{Minute: base.Add(-2 * time.Minute), Success: 3, Error: 1},
				{Minute: base.Add(-1 * time.Minute), Success: 5},
				{Minute: base, Success: 1},
			}
			if err := store.AddMinuteHistory(ctx, points); err != nil {
				t.Fatalf("AddMinuteHistory() error: %v", err)
			}
			// Same minute accumulates.
			if err := store.AddMinuteHistory(ctx, []MinutePoint{{Minute: base, Error: 2}}); err != nil {
				t.Fatalf("AddMinuteHistory() accumulate error: %v", err)
			}

			got, err := store.MinuteHistory(ctx, base.Add(-1*time.Minute))
			if err != nil {
				t.Fatalf("MinuteHistory() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len(MinuteHistory()) = %d, want 2", len(got))
			}
			if !got[0].Minute.Before(got[1].Minute) {
				t.Errorf("MinuteHistory() not ordered oldest first: %v, %v", got[0].Minute, got[1].Minute)
			}
			last := got[1]
			if last.Success != 1 || last.Error != 2 {
				t.Errorf("latest bucket = {success %d, error %d}, want {1, 2}", last.Success, last.Error)
			}
		})
	}
}

func TestStatsStore_HealthHistory(t *testing.T) {
	ctx := context.Background()
	epID := uuid.New()
	otherID := uuid.New()

	for name, store := range statsStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 3; i++ {
				r := endpoint.HealthCheckResult{
					EndpointID:   epID,
					CheckedAt:    base.Add(time.Duration(i) * time.Second),
					Success:      i != 1,
					LatencyMS:    int64(10 + i),
					StatusBefore: endpoint.StatusOnline,
					StatusAfter:  endpoint.StatusOnline,
				}
				if i == 1 {
					r.Error = "connection refused"
				}
				if err := store.RecordHealthCheck(ctx, r); err != nil {
					t.Fatalf("RecordHealthCheck() error: %v", err)
				}
			}
			if err := store.RecordHealthCheck(ctx, endpoint.HealthCheckResult{
				EndpointID:   otherID,
				CheckedAt:    base,
				Success:      true,
				StatusBefore: endpoint.StatusPending,
				StatusAfter:  endpoint.StatusOnline,
			}); err != nil {
				t.Fatalf("RecordHealthCheck() other endpoint error: %v", err)
			}

			got, err := store.HealthHistory(ctx, epID, 2)
			if err != nil {
				t.Fatalf("HealthHistory() error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len(HealthHistory()) = %d, want 2", len(got))
			}
			if !got[0].CheckedAt.After(got[1].CheckedAt) {
				t.Errorf("HealthHistory() not newest first: %v, %v", got[0].CheckedAt, got[1].CheckedAt)
			}
			if got[1].Error != "connection refused" {
				t.Errorf("HealthHistory()[1].Error = %q, want %q", got[1].Error, "connection refused")
			}
		})
	}
}

func TestStatsStore_DeleteEndpointCascade(t *testing.T) {
	ctx := context.Background()
	epID := uuid.New()
	keepID := uuid.New()
	today := time.Now().Format(DateFormat)

	for name, store := range statsStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			for _, id := range []uuid.UUID{epID, keepID} {
				err := store.AddDailyUsage(ctx, []DailyUsageDelta{{
					EndpointID: id, ModelID: "m", APIKind: endpoint.APIEmbeddings,
					Date: today, Requests: 1,
				}})
				if err != nil {
					t.Fatalf("AddDailyUsage() error: %v", err)
				}
			}

			if err := store.DeleteEndpoint(ctx, epID); err != nil {
				t.Fatalf("DeleteEndpoint() error: %v", err)
			}

			seed, err := store.TPSSeed(ctx, 7)
			if err != nil {
				t.Fatalf("TPSSeed() error: %v", err)
			}
			if len(seed) != 1 || seed[0].EndpointID != keepID {
				t.Errorf("TPSSeed() after delete = %+v, want only %v", seed, keepID)
			}
		})
	}
}

func TestStatsStore_Prune(t *testing.T) {
	ctx := context.Background()
	epID := uuid.New()
	now := time.Now().UTC()

	for name, store := range statsStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			err := store.AddDailyUsage(ctx, []DailyUsageDelta{
				{EndpointID: epID, ModelID: "m", APIKind: endpoint.APIChatCompletions,
					Date: now.AddDate(0, 0, -120).Format(DateFormat), Requests: 1},
				{EndpointID: epID, ModelID: "m", APIKind: endpoint.APIChatCompletions,
					Date: now.Format(DateFormat), Requests: 1},
			})
			if err != nil {
				t.Fatalf("AddDailyUsage() error: %v", err)
			}

			deleted, err := store.Prune(ctx, now.AddDate(0, 0, -90))
			if err != nil {
				t.Fatalf("Prune() error: %v", err)
			}
			if deleted != 1 {
				t.Errorf("Prune() deleted = %d, want 1", deleted)
			}

			seed, err := store.TPSSeed(ctx, 365)
			if err != nil {
				t.Fatalf("TPSSeed() error: %v", err)
			}
			if len(seed) != 1 || seed[0].Requests != 1 {
				t.Errorf("TPSSeed() after prune = %+v, want one row with 1 request", seed)
			}
		})
	}
}

func TestRetention_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatsStore()
	epID := uuid.New()

	err := store.AddDailyUsage(ctx, []DailyUsageDelta{{
		EndpointID: epID, ModelID: "m", APIKind: endpoint.APIChatCompletions,
		Date: time.Now().AddDate(0, 0, -120).Format(DateFormat), Requests: 1,
	}})
	if err != nil {
		t.Fatalf("AddDailyUsage() error: %v", err)
	}

	retention := NewRetention(store, RetentionConfig{RetentionDays: 90, Schedule: "0 3 * * *"})
	deleted, err := retention.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("RunOnce() deleted = %d, want 1", deleted)
	}
}

func TestRetention_StartDisabled(t *testing.T) {
	retention := NewRetention(NewMemoryStatsStore(), RetentionConfig{})
	if err := retention.Start(context.Background()); err != nil {
		t.Errorf("Start() with retention disabled error: %v", err)
	}
	retention.Stop()
}
