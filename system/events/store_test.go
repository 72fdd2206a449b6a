package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestMemoryStore(maxEvents int, ttl time.Duration) *MemoryStore {
	return NewMemoryStore(MemoryStoreConfig{
		MaxEvents:       maxEvents,
		DefaultTTL:      ttl,
		CleanupInterval: time.Hour,
	})
}

func storedEnvelope(id string, source Source, typ string, ts time.Time) *Envelope {
	return &Envelope{
		EventID:   id,
		Timestamp: ts,
		Source:    source,
		Type:      typ,
		Data:      map[string]any{"alert_id": id, "severity": "low"},
	}
}

func TestMemoryStore_PersistAndHistory(t *testing.T) {
	s := newTestMemoryStore(100, time.Minute)
	defer s.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	s.Persist(ctx, storedEnvelope("b", SourceMonitoring, TypeMonitoringAlert, base.Add(2*time.Second)), 0)
	s.Persist(ctx, storedEnvelope("a", SourceMonitoring, TypeMonitoringAlert, base.Add(time.Second)), 0)
	s.Persist(ctx, storedEnvelope("c", SourceRisk, TypeRiskQuantified, base.Add(3*time.Second)), 0)

	history, err := s.History(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}

	// Non-decreasing timestamp order.
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Error("history out of timestamp order")
		}
	}
	if history[0].EventID != "a" || history[2].EventID != "c" {
		t.Errorf("order = %s,%s,%s", history[0].EventID, history[1].EventID, history[2].EventID)
	}
}

func TestMemoryStore_HistoryTimestampTieBreaksByID(t *testing.T) {
	s := newTestMemoryStore(100, time.Minute)
	defer s.Close()

	ctx := context.Background()
	ts := time.Now().UTC()

	s.Persist(ctx, storedEnvelope("z", SourceMonitoring, TypeMonitoringAlert, ts), 0)
	s.Persist(ctx, storedEnvelope("a", SourceMonitoring, TypeMonitoringAlert, ts), 0)

	history, _ := s.History(ctx, HistoryFilter{})
	if history[0].EventID != "a" || history[1].EventID != "z" {
		t.Errorf("tie order = %s,%s, want a,z", history[0].EventID, history[1].EventID)
	}
}

func TestMemoryStore_HistoryFilters(t *testing.T) {
	s := newTestMemoryStore(100, time.Minute)
	defer s.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	s.Persist(ctx, storedEnvelope("m1", SourceMonitoring, TypeMonitoringAlert, base.Add(1*time.Second)), 0)
	s.Persist(ctx, storedEnvelope("m2", SourceMonitoring, TypeMonitoringAlert, base.Add(2*time.Second)), 0)
	s.Persist(ctx, storedEnvelope("r1", SourceRisk, TypeRiskQuantified, base.Add(3*time.Second)), 0)

	bySource, _ := s.History(ctx, HistoryFilter{Source: SourceRisk})
	if len(bySource) != 1 || bySource[0].EventID != "r1" {
		t.Errorf("source filter = %v", bySource)
	}

	byType, _ := s.History(ctx, HistoryFilter{Type: TypeMonitoringAlert})
	if len(byType) != 2 {
		t.Errorf("type filter len = %d, want 2", len(byType))
	}

	byRange, _ := s.History(ctx, HistoryFilter{From: base.Add(1500 * time.Millisecond), To: base.Add(2500 * time.Millisecond)})
	if len(byRange) != 1 || byRange[0].EventID != "m2" {
		t.Errorf("range filter = %v", byRange)
	}

	limited, _ := s.History(ctx, HistoryFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit filter len = %d, want 2", len(limited))
	}
}

func TestMemoryStore_CapEvictsOldestInsertion(t *testing.T) {
	s := newTestMemoryStore(3, time.Minute)
	defer s.Close()

	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("evt-%d", i)
		s.Persist(ctx, storedEnvelope(id, SourceMonitoring, TypeMonitoringAlert, base.Add(time.Duration(i)*time.Second)), 0)
	}

	if s.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", s.Size())
	}

	history, _ := s.History(ctx, HistoryFilter{})
	ids := map[string]bool{}
	for _, e := range history {
		ids[e.EventID] = true
	}
	if ids["evt-0"] || ids["evt-1"] {
		t.Error("expected oldest insertions to be evicted first")
	}
	if !ids["evt-4"] {
		t.Error("expected newest insertion to survive")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := newTestMemoryStore(100, time.Minute)
	defer s.Close()

	ctx := context.Background()
	s.Persist(ctx, storedEnvelope("short", SourceMonitoring, TypeMonitoringAlert, time.Now().UTC()), 30*time.Millisecond)
	s.Persist(ctx, storedEnvelope("long", SourceMonitoring, TypeMonitoringAlert, time.Now().UTC()), time.Minute)

	time.Sleep(60 * time.Millisecond)

	history, _ := s.History(ctx, HistoryFilter{})
	if len(history) != 1 || history[0].EventID != "long" {
		t.Errorf("expected only unexpired record, got %v", history)
	}
}

func TestMemoryStore_PersistSameIDReplaces(t *testing.T) {
	s := newTestMemoryStore(100, time.Minute)
	defer s.Close()

	ctx := context.Background()
	s.Persist(ctx, storedEnvelope("dup", SourceMonitoring, TypeMonitoringAlert, time.Now().UTC()), 0)
	s.Persist(ctx, storedEnvelope("dup", SourceMonitoring, TypeMonitoringAlert, time.Now().UTC()), 0)

	if s.Size() != 1 {
		t.Errorf("Size() = %d, want 1", s.Size())
	}
}

func TestRedisStore_PersistAndHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(RedisStoreConfig{Client: client, DefaultTTL: time.Minute, MaxEvents: 100})
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	s.Persist(ctx, storedEnvelope("a", SourceMonitoring, TypeMonitoringAlert, base.Add(time.Second)), 0)
	s.Persist(ctx, storedEnvelope("b", SourceMonitoring, TypeMonitoringAlert, base.Add(2*time.Second)), 0)
	s.Persist(ctx, storedEnvelope("r", SourceRisk, TypeRiskQuantified, base.Add(3*time.Second)), 0)

	// The broker copy lives under {source}:event:{event_id}.
	if !mr.Exists("monitoring:event:a") {
		t.Error("expected broker key monitoring:event:a")
	}

	history, err := s.History(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}
	if history[0].EventID != "a" || history[2].EventID != "r" {
		t.Errorf("order = %s..%s, want a..r", history[0].EventID, history[2].EventID)
	}

	byType, _ := s.History(ctx, HistoryFilter{Type: TypeRiskQuantified})
	if len(byType) != 1 || byType[0].EventID != "r" {
		t.Errorf("type filter = %v", byType)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(RedisStoreConfig{Client: client, DefaultTTL: time.Minute})
	ctx := context.Background()

	s.Persist(ctx, storedEnvelope("gone", SourceMonitoring, TypeMonitoringAlert, time.Now().UTC()), time.Second)

	mr.FastForward(2 * time.Second)

	history, err := s.History(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected expired record to vanish, got %v", history)
	}
}
