package timeout

import (
	"math/rand"
	"slices"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(n int) time.Time {
	return epoch.Add(time.Duration(n) * time.Millisecond)
}

func TestScheduler_CancelledKeyNeverFires(t *testing.T) {
	s := New[string]()
	s.Schedule("A", at(10))
	s.Schedule("B", at(5))
	s.Schedule("C", at(20))
	s.Cancel("A")

	got := s.PopExpired(at(25))
	want := []string{"B", "C"}
	if !slices.Equal(got, want) {
		t.Errorf("PopExpired(25) = %v, want %v", got, want)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestScheduler_ScheduleIsUpsert(t *testing.T) {
	s := New[string]()
	s.Schedule("A", at(10))
	s.Schedule("A", at(30))

	if got := s.PopExpired(at(20)); len(got) != 0 {
		t.Errorf("PopExpired(20) = %v, want nothing (deadline moved to 30)", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	got := s.PopExpired(at(30))
	if !slices.Equal(got, []string{"A"}) {
		t.Errorf("PopExpired(30) = %v, want [A]", got)
	}
}

func TestScheduler_RescheduleEarlier(t *testing.T) {
	s := New[string]()
	s.Schedule("A", at(30))
	s.Schedule("A", at(5))

	got := s.PopExpired(at(10))
	if !slices.Equal(got, []string{"A"}) {
		t.Fatalf("PopExpired(10) = %v, want [A]", got)
	}
	// The superseded record at 30 must not fire later.
	if got := s.PopExpired(at(100)); len(got) != 0 {
		t.Errorf("PopExpired(100) = %v, want nothing", got)
	}
}

func TestScheduler_TieBreakIsScheduleOrder(t *testing.T) {
	s := New[int]()
	for i := 0; i < 10; i++ {
		s.Schedule(i, at(7))
	}
	// Rescheduling to the same instant moves the key behind the others.
	s.Schedule(3, at(7))

	got := s.PopExpired(at(7))
	want := []int{0, 1, 2, 4, 5, 6, 7, 8, 9, 3}
	if !slices.Equal(got, want) {
		t.Errorf("PopExpired = %v, want %v", got, want)
	}
}

func TestScheduler_CancelIdempotent(t *testing.T) {
	s := New[string]()
	s.Cancel("missing")
	s.Schedule("A", at(1))
	s.Cancel("A")
	s.Cancel("A")

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if _, ok := s.Next(); ok {
		t.Error("Next() reported a deadline after cancel")
	}
}

func TestScheduler_Next(t *testing.T) {
	s := New[string]()
	if _, ok := s.Next(); ok {
		t.Fatal("Next() on empty scheduler should report none")
	}

	s.Schedule("A", at(10))
	s.Schedule("B", at(4))
	s.Cancel("B")

	next, ok := s.Next()
	if !ok || !next.Equal(at(10)) {
		t.Errorf("Next() = %v, %v, want %v, true", next, ok, at(10))
	}

	d, ok := s.Deadline("A")
	if !ok || !d.Equal(at(10)) {
		t.Errorf("Deadline(A) = %v, %v", d, ok)
	}
	if _, ok := s.Deadline("B"); ok {
		t.Error("Deadline(B) should be absent after cancel")
	}
}

func TestScheduler_CompactionKeepsLiveRecords(t *testing.T) {
	s := New[int]()
	for round := 0; round < 50; round++ {
		for k := 0; k < 20; k++ {
			s.Schedule(k, at(1000+round*20+k))
		}
	}
	if len(s.heap) > 2*s.Len()+compactMinStale+1 {
		t.Errorf("heap holds %d records for %d live keys", len(s.heap), s.Len())
	}

	got := s.PopExpired(at(1_000_000))
	if len(got) != 20 {
		t.Fatalf("PopExpired returned %d keys, want 20", len(got))
	}
	for i, k := range got {
		if k != i {
			t.Errorf("got[%d] = %d, want %d", i, k, i)
		}
	}
}

// TestScheduler_RandomOps checks PopExpired against a reference model: it
// never returns a key whose latest Schedule asked for a later time, never
// returns a cancelled key, and returns keys in deadline order.
func TestScheduler_RandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New[int]()
	model := map[int]time.Time{}
	now := 0

	for step := 0; step < 5000; step++ {
		key := rng.Intn(50)
		switch op := rng.Intn(10); {
		case op < 6:
			d := at(now + rng.Intn(100))
			s.Schedule(key, d)
			model[key] = d
		case op < 8:
			s.Cancel(key)
			delete(model, key)
		default:
			now += rng.Intn(20)
			got := s.PopExpired(at(now))
			var last time.Time
			for _, k := range got {
				d, ok := model[k]
				if !ok {
					t.Fatalf("step %d: popped key %d with no pending deadline", step, k)
				}
				if d.After(at(now)) {
					t.Fatalf("step %d: popped key %d due at %v after now %v", step, k, d, at(now))
				}
				if d.Before(last) {
					t.Fatalf("step %d: keys out of order", step)
				}
				last = d
				delete(model, k)
			}
			for k, d := range model {
				if !d.After(at(now)) {
					t.Fatalf("step %d: key %d due at %v was not popped", step, k, d)
				}
			}
		}
		if s.Len() != len(model) {
			t.Fatalf("step %d: Len() = %d, model has %d", step, s.Len(), len(model))
		}
	}
}
