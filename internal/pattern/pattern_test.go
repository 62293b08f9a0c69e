package pattern

import "testing"

func TestMatchCrossesSeparator(t *testing.T) {
	m, err := Compile("users/*/name")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	cases := map[string]bool{
		"users/alice/name":       true,
		"users/bob/name":         true,
		"users/alice/other":      false,
		"users/alice/deep/name":  true, // * crosses "/"
		"users//name":            true,
	}
	for key, want := range cases {
		if got := m.Match(key); got != want {
			t.Errorf("Match(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMatchQuestionMark(t *testing.T) {
	m, err := Compile("log?")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	for _, key := range []string{"log1", "log2", "log3", "logo", "logs"} {
		if !m.Match(key) {
			t.Errorf("Match(%q) = false, want true", key)
		}
	}
	if m.Match("log") {
		t.Error(`Match("log") = true, want false (? requires exactly one byte)`)
	}
	if m.Match("log12") {
		t.Error(`Match("log12") = true, want false`)
	}
}

func TestBoundsFromLiteralPrefix(t *testing.T) {
	m, err := Compile("users/*/name")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	start, end, ok := m.Bounds()
	if !ok {
		t.Fatal("expected a derivable bound")
	}
	if start != "users/" {
		t.Errorf("start = %q, want %q", start, "users/")
	}
	if end != "users0" {
		t.Errorf("end = %q, want %q", end, "users0")
	}
}

func TestBoundsNoLiteralPrefix(t *testing.T) {
	m, err := Compile("*/name")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, _, ok := m.Bounds(); ok {
		t.Error("expected no derivable bound for a pattern starting with *")
	}
}
