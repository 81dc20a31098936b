package warnset

import "testing"

func TestFirstReportsOnce(t *testing.T) {
	var s Set
	if !s.First("gpt-x") {
		t.Fatal("First(gpt-x) = false on first call, want true")
	}
	if s.First("gpt-x") {
		t.Fatal("First(gpt-x) = true on second call, want false")
	}
	if !s.First("gpt-y") {
		t.Fatal("First(gpt-y) = false, want true")
	}
	if got := s.Keys(); len(got) != 2 || got[0] != "gpt-x" || got[1] != "gpt-y" {
		t.Fatalf("Keys() = %v, want [gpt-x gpt-y]", got)
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.First("k")
	s.Reset()
	if s.Seen("k") {
		t.Fatal("Seen(k) after Reset = true, want false")
	}
	if !s.First("k") {
		t.Fatal("First(k) after Reset = false, want true")
	}
}
