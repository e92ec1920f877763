package money

import (
	"encoding/json"
	"testing"
)

func TestNormalizeIntegers(t *testing.T) {
	got, err := Normalize(int64(1500000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1500000 {
		t.Fatalf("expected 1500000, got %d", got)
	}

	got, err = Normalize(20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 20000 {
		t.Fatalf("expected 20000, got %d", got)
	}
}

func TestNormalizeStrings(t *testing.T) {
	cases := map[string]int64{
		"15000":      15000,
		" 15000 ":    15000,
		"15 000":     15000,
		"15000,0":    15000,
		"15000.00":   15000,
		"1 500 000":  1500000,
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q) unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNormalizeJSONNumber(t *testing.T) {
	got, err := Normalize(json.Number("1500000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1500000 {
		t.Fatalf("expected 1500000, got %d", got)
	}

	if _, err := Normalize(json.Number("15000.5")); err == nil {
		t.Fatal("expected error for fractional json number")
	}
}

func TestNormalizeRejectsFractional(t *testing.T) {
	for _, in := range []string{"15000.5", "15000,5", "0.01", "1e-2"} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("Normalize(%q): expected error", in)
		}
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, in := range []interface{}{nil, "", "abc", "12a", "--5"} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("Normalize(%v): expected error", in)
		}
	}
}
