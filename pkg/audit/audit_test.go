package audit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRun(id string, offset time.Duration) Run {
	return Run{
		ID:      id,
		Network: "192.168.1.0/24",
		Reason:  "scanner",
		Status:  "results",
		Conflicts: []gateway.CIDREntry{
			{ID: 1, Address: "192.168.1.10", Origin: gateway.OriginManual},
			{ID: 2, Address: "192.168.1.20", Origin: gateway.OriginAutomatic},
		},
		Selected:  []int64{1, 2},
		CreatedAt: baseTime.Add(offset),
		UpdatedAt: baseTime.Add(offset),
	}
}

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	if err := store.Save(ctx, Run{}); err == nil {
		t.Fatal("expected error when saving a run without id")
	}

	first := sampleRun("run-1", 0)
	second := sampleRun("run-2", time.Minute)
	third := sampleRun("run-3", 2*time.Minute)
	for _, run := range []Run{first, second, third} {
		if err := store.Save(ctx, run); err != nil {
			t.Fatalf("save %s: %v", run.ID, err)
		}
	}

	// An update must replace the record without moving it in the listing.
	first.Status = "complete"
	first.Selected = nil
	first.Reversed = []gateway.UnbanItem{{ID: 1, Address: "192.168.1.10"}}
	first.Failed = []gateway.UnbanItem{{ID: 2, Error: "not banned"}}
	first.UpdatedAt = baseTime.Add(5 * time.Minute)
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != "complete" || len(loaded.Reversed) != 1 || loaded.Reversed[0].Address != "192.168.1.10" {
		t.Fatalf("unexpected loaded run: %+v", loaded)
	}
	if len(loaded.Failed) != 1 || loaded.Failed[0].Error != "not banned" {
		t.Fatalf("expected failed entry to survive, got %+v", loaded.Failed)
	}
	if len(loaded.Conflicts) != 2 || loaded.Conflicts[1].Origin != gateway.OriginAutomatic {
		t.Fatalf("expected conflicts to survive, got %+v", loaded.Conflicts)
	}
	if !loaded.CreatedAt.Equal(baseTime) {
		t.Fatalf("unexpected created at %s", loaded.CreatedAt)
	}

	runs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Fatalf("expected newest two runs, got %v", ids(runs))
	}

	runs, err = store.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 || runs[2].ID != "run-1" {
		t.Fatalf("expected all runs with default limit, got %v", ids(runs))
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(0))
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)

	for i := range 3 {
		if err := store.Save(ctx, sampleRun("run-"+strconv.Itoa(i), time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if _, err := store.Load(ctx, "run-0"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected oldest run to be evicted, got %v", err)
	}
	runs, _ := store.List(ctx, 10)
	if len(runs) != 2 {
		t.Fatalf("expected 2 retained runs, got %d", len(runs))
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	run := sampleRun("run-1", 0)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	run.Selected[0] = 99
	loaded, _ := store.Load(ctx, "run-1")
	if loaded.Selected[0] != 1 {
		t.Fatal("store must not alias the caller's slices")
	}

	loaded.Conflicts[0].Address = "changed"
	again, _ := store.Load(ctx, "run-1")
	if again.Conflicts[0].Address != "192.168.1.10" {
		t.Fatal("loaded runs must be detached from the store")
	}
}

func newMiniredisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewRedisStore(client, "test:runs:", ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStore(t *testing.T) {
	store, _ := newMiniredisStore(t, time.Hour)
	storeContract(t, store)
}

func TestRedisStoreAppliesTTLAndPrunesIndex(t *testing.T) {
	ctx := context.Background()
	store, server := newMiniredisStore(t, time.Minute)

	if err := store.Save(ctx, sampleRun("run-1", 0)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := server.TTL("test:runs:run-1"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %s", ttl)
	}

	server.FastForward(2 * time.Minute)
	if err := store.Save(ctx, sampleRun("run-2", time.Second)); err != nil {
		t.Fatalf("save: %v", err)
	}

	runs, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-2" {
		t.Fatalf("expected only the live run, got %v", ids(runs))
	}

	members, err := server.ZMembers("test:runs:index")
	if err != nil {
		t.Fatalf("zmembers: %v", err)
	}
	if len(members) != 1 || members[0] != "run-2" {
		t.Fatalf("expected expired id to be pruned from the index, got %v", members)
	}
}

func TestRedisStoreEmptyList(t *testing.T) {
	store, _ := newMiniredisStore(t, 0)
	runs, err := store.List(context.Background(), 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", runs)
	}
}

func TestBuildMemoryStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst := metrics.NewInstrumentation(reg)

	store, err := Build(context.Background(), zaptest.NewLogger(t), config.ComponentConfig{
		Type:     MemoryStoreType,
		Settings: map[string]any{"maxRuns": 10},
	}, inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Name() != "audit" || store.Type() != MemoryStoreType {
		t.Fatalf("unexpected store identity %s/%s", store.Name(), store.Type())
	}

	if err := store.Save(context.Background(), sampleRun("run-1", 0)); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = store.Save(context.Background(), Run{})

	if n := counterValue(t, reg, "banctl_audit_writes_total", "MEMORY", metrics.OK); n != 1 {
		t.Fatalf("expected 1 successful write, got %v", n)
	}
	if n := counterValue(t, reg, "banctl_audit_writes_total", "MEMORY", metrics.ERROR); n != 1 {
		t.Fatalf("expected 1 failed write, got %v", n)
	}
}

func TestBuildRedisStore(t *testing.T) {
	server := miniredis.RunT(t)
	port, _ := strconv.Atoi(server.Port())

	store, err := Build(context.Background(), zaptest.NewLogger(t), config.ComponentConfig{
		Type: RedisStoreType,
		Settings: map[string]any{
			"keyPrefix": "banctl:test:",
			"ttl":       "10m",
			"host":      server.Host(),
			"port":      port,
		},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()

	if err := store.Save(context.Background(), sampleRun("run-1", 0)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !server.Exists("banctl:test:run-1") {
		t.Fatal("expected run to be written under the configured prefix")
	}
	if ttl := server.TTL("banctl:test:run-1"); ttl != 10*time.Minute {
		t.Fatalf("expected configured ttl, got %s", ttl)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ComponentConfig
		wantErr string
	}{
		{name: "unknown type", cfg: config.ComponentConfig{Type: "sqlite"}, wantErr: "unknown audit store type 'sqlite'"},
		{name: "negative capacity", cfg: config.ComponentConfig{Type: MemoryStoreType, Settings: map[string]any{"maxRuns": -1}}, wantErr: "maxRuns"},
		{name: "redis without host", cfg: config.ComponentConfig{Type: RedisStoreType, Settings: map[string]any{"keyPrefix": "x:"}}, wantErr: "redis.host is required"},
		{name: "redis bad ttl", cfg: config.ComponentConfig{Type: RedisStoreType, Settings: map[string]any{"host": "localhost", "ttl": "-1m"}}, wantErr: "ttl must be positive"},
		{name: "postgres bad table", cfg: config.ComponentConfig{Type: PostgresStoreType, Settings: map[string]any{"table": "runs; DROP TABLE x"}}, wantErr: "table must be"},
		{name: "postgres missing host", cfg: config.ComponentConfig{Type: PostgresStoreType, Settings: map[string]any{"databaseName": "bans"}}, wantErr: "postgres.host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), zap.NewNop(), tt.cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

type failingStore struct {
	MemoryStore
}

func (f *failingStore) Save(context.Context, Run) error { return errors.New("disk full") }

func TestRecorderLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	recorder := NewRecorder(&failingStore{}, zap.New(core))

	recorder.Record(context.Background(), sampleRun("run-1", 0))

	entries := logs.FilterMessage("could not record workflow run").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["run_id"] != "run-1" {
		t.Fatalf("expected run id in log fields, got %v", entries[0].ContextMap())
	}
}

func TestRecorderWritesRuns(t *testing.T) {
	store := NewMemoryStore(0)
	NewRecorder(store, zaptest.NewLogger(t)).Record(context.Background(), sampleRun("run-1", 0))

	if _, err := store.Load(context.Background(), "run-1"); err != nil {
		t.Fatalf("expected run to be recorded: %v", err)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.Record(context.Background(), sampleRun("run-1", 0))
	NewRecorder(nil, zap.NewNop()).Record(context.Background(), sampleRun("run-1", 0))
}

func ids(runs []Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

// counterValue reads one series of a labeled counter from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name, storeType, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["store_type"] == storeType && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{store_type=%s,result=%s} not found", name, storeType, result)
	return 0
}
