package kiln

import "testing"

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestHashIDStable(t *testing.T) {
	a := HashID("/home/user/project")
	b := HashID("/home/user/project")
	if a != b {
		t.Errorf("HashID not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("HashID length = %d, want 16", len(a))
	}
	if a == HashID("/home/user/other") {
		t.Error("different inputs produced the same id")
	}
}
