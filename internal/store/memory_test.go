package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestMemoryAppendAssignsMonotonicSeq(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		ev, err := s.AppendEvent(ctx, models.NewUserMessage("t1", "hello"))
		if err != nil {
			t.Fatal(err)
		}
		if ev.Seq <= last {
			t.Fatalf("seq %d not greater than previous %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestMemoryRejectsDuplicateEventID(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx := context.Background()

	ev := models.NewUserMessage("t1", "one")
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	dup := ev
	dup.Timestamp = ev.Timestamp.Add(time.Second)
	_, err := s.AppendEvent(ctx, dup)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError, got %v", err)
	}
}

func TestMemoryRejectsBackwardsTimestamp(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx := context.Background()

	first := models.NewUserMessage("t1", "one")
	if _, err := s.AppendEvent(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := models.NewUserMessage("t1", "two")
	second.Timestamp = first.Timestamp.Add(-time.Minute)
	_, err := s.AppendEvent(ctx, second)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError, got %v", err)
	}
}

func TestMemoryListSinceSeq(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx := context.Background()

	var mid int64
	for i := 0; i < 4; i++ {
		ev, err := s.AppendEvent(ctx, models.NewUserMessage("t1", "m"))
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			mid = ev.Seq
		}
	}

	tail, err := s.ListEvents(ctx, "t1", mid)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("want 2 events after seq %d, got %d", mid, len(tail))
	}
}

func TestMemorySubscribeDeliversInOrder(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx := context.Background()

	got := make(chan string, 10)
	cancel := s.Subscribe("t1", func(ev models.ThreadEvent) {
		got <- ev.ID
	})
	defer cancel()

	var want []string
	for i := 0; i < 3; i++ {
		ev, err := s.AppendEvent(ctx, models.NewUserMessage("t1", "m"))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, ev.ID)
	}
	// other-thread events must not be delivered
	if _, err := s.AppendEvent(ctx, models.NewUserMessage("t2", "m")); err != nil {
		t.Fatal(err)
	}

	var delivered []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-got:
			delivered = append(delivered, id)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
	if !reflect.DeepEqual(delivered, want) {
		t.Fatalf("delivery order %v, want %v", delivered, want)
	}
	select {
	case id := <-got:
		t.Fatalf("unexpected delivery %s from other thread", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestLogIntegrityProperty: for all N, the first N events returned by
// ListEvents equal the first N events ever appended.
func TestLogIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("prefix of log equals prefix of appends", prop.ForAll(
		func(texts []string) bool {
			s := NewMemory(nil)
			defer s.Close()
			ctx := context.Background()

			var appended []models.ThreadEvent
			for _, text := range texts {
				ev, err := s.AppendEvent(ctx, models.NewUserMessage("p1", text))
				if err != nil {
					return false
				}
				appended = append(appended, ev)
			}

			listed, err := s.ListEvents(ctx, "p1", 0)
			if err != nil || len(listed) != len(appended) {
				return false
			}
			for n := 0; n <= len(appended); n++ {
				if !reflect.DeepEqual(listed[:n], appended[:n]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
