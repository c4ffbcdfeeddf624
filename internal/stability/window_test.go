package stability

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func labels(names ...string) []Label {
	out := make([]Label, len(names))
	for i, n := range names {
		out[i] = Detected(n)
	}
	return out
}

func TestWindowEvictsOldestWhenFull(t *testing.T) {
	w := NewWindow(3)
	for _, l := range labels("a", "b", "c", "d", "e") {
		w.Push(l)
		if w.Len() > w.Cap() {
			t.Fatalf("window length %d exceeds capacity %d", w.Len(), w.Cap())
		}
	}

	got := w.Values()
	want := labels("c", "d", "e")
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Label{})); diff != "" {
		t.Fatalf("unexpected window contents (-want +got):\n%s", diff)
	}
}

func TestWindowClampsCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		w := NewWindow(capacity)
		if w.Cap() != 1 {
			t.Fatalf("NewWindow(%d) capacity = %d, expected 1", capacity, w.Cap())
		}
	}
}

func TestWindowResizeKeepsMostRecent(t *testing.T) {
	w := NewWindow(5)
	for _, l := range labels("a", "b", "c", "d", "e", "f") {
		w.Push(l)
	}

	w.Resize(2)
	if diff := cmp.Diff(labels("e", "f"), w.Values(), cmp.AllowUnexported(Label{})); diff != "" {
		t.Fatalf("unexpected contents after shrink (-want +got):\n%s", diff)
	}

	w.Resize(4)
	if w.Cap() != 4 || w.Len() != 2 {
		t.Fatalf("expected cap 4 len 2 after grow, got cap %d len %d", w.Cap(), w.Len())
	}
	w.Push(Detected("g"))
	if diff := cmp.Diff(labels("e", "f", "g"), w.Values(), cmp.AllowUnexported(Label{})); diff != "" {
		t.Fatalf("unexpected contents after grow (-want +got):\n%s", diff)
	}
}

func TestPluralityTieGoesToOldestFirstOccurrence(t *testing.T) {
	w := NewWindow(4)
	for _, l := range labels("dog", "cat", "cat", "dog") {
		w.Push(l)
	}
	winner, votes := w.plurality()
	if winner != Detected("dog") || votes != 2 {
		t.Fatalf("expected dog with 2 votes, got %v with %d", winner, votes)
	}

	// Evicting the first "dog" makes "cat" the oldest first occurrence.
	w.Push(Detected("dog"))
	w.Push(Detected("cat"))
	winner, votes = w.plurality()
	if winner != Detected("cat") || votes != 2 {
		t.Fatalf("expected cat with 2 votes, got %v with %d", winner, votes)
	}
}

func TestNoDetectionDoesNotCollideWithClassName(t *testing.T) {
	if Detected("__none__") == NoDetection() {
		t.Fatal("a class named like the marker must not equal NoDetection")
	}
	if Detected("") != NoDetection() {
		t.Fatal("an empty class name should be treated as no detection")
	}
}

func TestWindowAllocatesLazily(t *testing.T) {
	w := NewWindow(math.MaxInt)
	w.Push(Detected("a"))
	w.Push(Detected("b"))
	if w.Cap() != math.MaxInt || w.Len() != 2 {
		t.Fatalf("expected cap %d len 2, got cap %d len %d", math.MaxInt, w.Cap(), w.Len())
	}

	w.Resize(math.MaxInt / 2)
	w.Push(Detected("c"))
	if diff := cmp.Diff(labels("a", "b", "c"), w.Values(), cmp.AllowUnexported(Label{})); diff != "" {
		t.Fatalf("unexpected contents after resize (-want +got):\n%s", diff)
	}
}
