package batch

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExecutesEveryItem(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum int64

	failures := Run(items, func(i int) string { return fmt.Sprintf("item-%d", i) }, func(i int) error {
		atomic.AddInt64(&sum, int64(i))
		return nil
	})

	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
	if sum != 15 {
		t.Errorf("expected every item to run, sum = %d", sum)
	}
}

func TestRunIsConcurrent(t *testing.T) {
	// 10 items sleeping 50ms each must finish in ~50ms, not ~500ms.
	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	start := time.Now()
	Run(items, func(i int) string { return fmt.Sprintf("vm-%d", i) }, func(i int) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	elapsed := time.Since(start)

	if elapsed > 300*time.Millisecond {
		t.Errorf("batch took %v, expected roughly one item's duration", elapsed)
	}
}

func TestRunToCompletion(t *testing.T) {
	// A failing item must not stop siblings from running.
	items := []int{0, 1, 2, 3, 4}
	var ran int64

	failures := Run(items, func(i int) string { return fmt.Sprintf("vm-%d", i) }, func(i int) error {
		if i == 2 {
			return errors.New("boot wait timed out")
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&ran, 1)
		return nil
	})

	if ran != 4 {
		t.Errorf("expected 4 siblings to complete, got %d", ran)
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", len(failures))
	}
	if failures[0].Label != "vm-2" {
		t.Errorf("expected failure labeled vm-2, got %s", failures[0].Label)
	}
}

func TestRunEmpty(t *testing.T) {
	if failures := Run(nil, func(i int) string { return "" }, func(i int) error { return nil }); failures != nil {
		t.Errorf("expected nil failures for empty batch, got %v", failures)
	}
}

func TestErrorAggregation(t *testing.T) {
	if err := Error(nil); err != nil {
		t.Errorf("expected nil error for empty failure set, got %v", err)
	}

	inner := errors.New("disk attach failed")
	err := Error([]Failure{
		{Label: "vm-1", Err: errors.New("boot wait timed out")},
		{Label: "vm-3", Err: inner},
	})
	if err == nil {
		t.Fatal("expected aggregate error")
	}

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialFailure, got %T", err)
	}
	if len(partial.Failures) != 2 {
		t.Errorf("expected 2 failures, got %d", len(partial.Failures))
	}
	if !strings.Contains(err.Error(), "vm-1") || !strings.Contains(err.Error(), "vm-3") {
		t.Errorf("aggregate error must name failed items, got %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("aggregate error must unwrap to the item errors")
	}
}
