package vectorstore

import "testing"

func TestFormatVector(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "[]"},
		{[]float64{1}, "[1]"},
		{[]float64{0.5, -2, 1e-7}, "[0.5,-2,1e-07]"},
	}
	for _, tt := range tests {
		if got := formatVector(tt.in); got != tt.want {
			t.Errorf("formatVector(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseVector(t *testing.T) {
	got, err := parseVector("[0.5, -2,3]")
	if err != nil {
		t.Fatalf("parseVector: %v", err)
	}
	want := []float64{0.5, -2, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"", "0.5,1", "[a,b]"} {
		if _, err := parseVector(bad); err == nil {
			t.Errorf("parseVector(%q) expected error", bad)
		}
	}
}
