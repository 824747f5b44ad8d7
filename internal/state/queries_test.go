package state

import (
	"context"
	"testing"
	"time"

	"github.com/njoerd114/fieldsync/internal/model"
)

// seedMeters inserts meters given as id → (name, location).
func seedMeters(t *testing.T, s *Store, meters map[string][2]string) {
	t.Helper()
	for id, nl := range meters {
		m := sampleMeter()
		m.ID, m.Name, m.Location = id, nl[0], nl[1]
		if err := s.InsertMeter(context.Background(), m); err != nil {
			t.Fatalf("InsertMeter(%s): %v", id, err)
		}
	}
}

func insertReadingAt(t *testing.T, s *Store, id, meterID string, at time.Time) {
	t.Helper()
	r := sampleReading(id)
	r.MeterID = meterID
	r.CreatedAt = at
	if err := s.InsertReading(context.Background(), r); err != nil {
		t.Fatalf("InsertReading(%s): %v", id, err)
	}
}

func TestListLocations(t *testing.T) {
	s := openTestStore(t)
	seedMeters(t, s, map[string][2]string{
		"m-1": {"Main", "Building A"},
		"m-2": {"Water", "Building A"},
		"m-3": {"Gas", "Building B"},
		"m-4": {"Heat", "Garage"},
	})

	got, err := s.ListLocations(context.Background(), "build")
	if err != nil {
		t.Fatalf("ListLocations: %v", err)
	}
	want := []LocationSummary{{"Building A", 2}, {"Building B", 1}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	all, err := s.ListLocations(context.Background(), "")
	if err != nil {
		t.Fatalf("ListLocations(empty): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("empty filter returned %d locations, want 3", len(all))
	}
}

func TestSearchMeters(t *testing.T) {
	s := openTestStore(t)
	seedMeters(t, s, map[string][2]string{
		"m-1": {"Main supply", "A"},
		"m-2": {"Sub supply", "A"},
		"m-3": {"Gas", "B"},
		"m-4": {"100% line", "B"},
	})
	ctx := context.Background()

	got, err := s.SearchMeters(ctx, "SUPPLY")
	if err != nil {
		t.Fatalf("SearchMeters: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m-1" || got[1].ID != "m-2" {
		t.Errorf("SearchMeters(SUPPLY) = %v", meterIDs(got))
	}

	// Wildcards in the query are literal.
	got, err = s.SearchMeters(ctx, "%")
	if err != nil {
		t.Fatalf("SearchMeters(%%): %v", err)
	}
	if len(got) != 1 || got[0].ID != "m-4" {
		t.Errorf("SearchMeters(%%) = %v, want [m-4]", meterIDs(got))
	}
}

func TestListMetersAt(t *testing.T) {
	s := openTestStore(t)
	seedMeters(t, s, map[string][2]string{
		"m-1": {"Alpha", "Building A"},
		"m-2": {"Beta", "Building A"},
		"m-3": {"Gamma", "Building B"},
	})
	early := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	insertReadingAt(t, s, "r-1", "m-1", early)
	insertReadingAt(t, s, "r-2", "m-1", late)
	insertReadingAt(t, s, "r-3", "m-3", late)

	got, err := s.ListMetersAt(context.Background(), "Building A")
	if err != nil {
		t.Fatalf("ListMetersAt: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d meters, want 2", len(got))
	}
	if got[0].Meter.ID != "m-1" || got[0].LastReadingAt == nil || !got[0].LastReadingAt.Equal(late) {
		t.Errorf("m-1 summary = %+v (last %v)", got[0].Meter.ID, got[0].LastReadingAt)
	}
	if got[1].Meter.ID != "m-2" || got[1].LastReadingAt != nil {
		t.Errorf("m-2 summary = %+v (last %v), want no reading", got[1].Meter.ID, got[1].LastReadingAt)
	}
}

func TestCountReadingsToday(t *testing.T) {
	s := openTestStore(t)
	seedMeters(t, s, map[string][2]string{
		"m-1": {"Alpha", "Building A"},
		"m-2": {"Beta", "Building B"},
	})
	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	insertReadingAt(t, s, "r-1", "m-1", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	insertReadingAt(t, s, "r-2", "m-1", time.Date(2024, 3, 2, 23, 59, 59, 0, time.UTC))
	insertReadingAt(t, s, "r-3", "m-1", time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC))
	insertReadingAt(t, s, "r-4", "m-2", time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC))

	n, err := s.CountReadingsToday(context.Background(), "Building A", now)
	if err != nil {
		t.Fatalf("CountReadingsToday: %v", err)
	}
	if n != 2 {
		t.Errorf("CountReadingsToday = %d, want 2", n)
	}
}

func TestListPendingWithMeter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InsertMeter(ctx, sampleMeter()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"r-b", "r-a", "r-c"} {
		if err := s.InsertReading(ctx, sampleReading(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkReadingSynced(ctx, "r-a", time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPendingWithMeter(ctx)
	if err != nil {
		t.Fatalf("ListPendingWithMeter: %v", err)
	}
	if len(got) != 2 || got[0].Reading.ID != "r-b" || got[1].Reading.ID != "r-c" {
		t.Fatalf("pending = %+v, want r-b, r-c", got)
	}
	if got[0].MeterName != "Main supply" || got[0].Unit != "kWh" {
		t.Errorf("meter details = %q %q", got[0].MeterName, got[0].Unit)
	}
}

func TestReadingsOrderedWithinSecond(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertMeter(context.Background(), sampleMeter()); err != nil {
		t.Fatal(err)
	}
	whole := time.Date(2024, 3, 2, 10, 0, 5, 0, time.UTC)
	insertReadingAt(t, s, "r-whole", "m-001", whole)
	insertReadingAt(t, s, "r-frac", "m-001", whole.Add(123*time.Millisecond))

	got, err := s.ListReadingsForMeter(context.Background(), "m-001")
	if err != nil {
		t.Fatalf("ListReadingsForMeter: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-frac" {
		t.Errorf("newest first = %v, want r-frac first", readingIDs(got))
	}
}

func meterIDs(ms []*model.Meter) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func readingIDs(rs []*model.Reading) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
