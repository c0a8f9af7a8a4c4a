package types

import "testing"

func TestLoopModeCycle(t *testing.T) {
	mode := LoopNone
	want := []LoopMode{LoopAll, LoopOne, LoopNone, LoopAll}
	for i, w := range want {
		mode = mode.Next()
		if mode != w {
			t.Fatalf("step %d: got %v, want %v", i, mode, w)
		}
	}
}

func TestParseLoopMode(t *testing.T) {
	tests := []struct {
		in   string
		want LoopMode
	}{
		{"none", LoopNone},
		{"all", LoopAll},
		{"one", LoopOne},
		{"", LoopNone},
		{"bogus", LoopNone},
	}
	for _, tt := range tests {
		if got := ParseLoopMode(tt.in); got != tt.want {
			t.Errorf("ParseLoopMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTrackResolved(t *testing.T) {
	if (Track{Title: "a"}).Resolved() {
		t.Error("track without stream URL should be unresolved")
	}
	if (Track{StreamURL: "   "}).Resolved() {
		t.Error("blank stream URL should be unresolved")
	}
	if !(Track{StreamURL: "http://h/s.mp3"}).Resolved() {
		t.Error("track with stream URL should be resolved")
	}
}

func TestTrackKeyIgnoresOtherFields(t *testing.T) {
	a := Track{Title: "Song", Artist: "Band", StreamURL: "x"}
	b := Track{Title: "Song", Artist: "Band", ArtworkURL: "y"}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %v vs %v", a.Key(), b.Key())
	}
}
