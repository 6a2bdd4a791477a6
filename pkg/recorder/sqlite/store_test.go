package sqlite

import (
	"testing"
	"time"

	"github.com/commatea/SBus-Link/pkg/recorder"
	"github.com/google/uuid"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(point string, taken time.Time, values ...uint32) *recorder.Reading {
	return &recorder.Reading{
		ID:         uuid.NewString(),
		Connection: "plc",
		Point:      point,
		Kind:       "register",
		Address:    100,
		Values:     values,
		Timestamp:  taken,
	}
}

func TestSaveAndRecent(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC()

	if err := s.Save(sample("temperature", now.Add(-2*time.Minute), 21)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(sample("temperature", now.Add(-time.Minute), 22)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(sample("pressure", now, 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	readings, err := s.Recent("plc", "temperature", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	// Newest first.
	if readings[0].Values[0] != 22 || readings[1].Values[0] != 21 {
		t.Errorf("order wrong: %d then %d", readings[0].Values[0], readings[1].Values[0])
	}
	if readings[0].Kind != "register" || readings[0].Address != 100 {
		t.Errorf("reading = %+v", readings[0])
	}
}

func TestRecentLimit(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := s.Save(sample("p", now.Add(time.Duration(i)*time.Second), uint32(i))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	readings, err := s.Recent("plc", "p", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(readings) != 3 {
		t.Errorf("got %d readings, want 3", len(readings))
	}
}

func TestMultiValueRoundTrip(t *testing.T) {
	s := openStore(t)
	if err := s.Save(sample("batch", time.Now().UTC(), 10, 20, 30, 40)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	readings, err := s.Recent("plc", "batch", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []uint32{10, 20, 30, 40}
	for i, v := range want {
		if readings[0].Values[i] != v {
			t.Errorf("Values[%d] = %d, want %d", i, readings[0].Values[i], v)
		}
	}
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC()
	s.Save(sample("old", now.Add(-time.Hour), 1))
	s.Save(sample("new", now, 2))

	n, err := s.Prune(now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d readings, want 1", n)
	}
	if readings, _ := s.Recent("plc", "new", 1); len(readings) != 1 {
		t.Error("recent reading was pruned")
	}
}
