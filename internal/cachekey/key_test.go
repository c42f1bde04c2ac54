package cachekey

import "testing"

func TestDeriveStable(t *testing.T) {
	tests := []struct {
		source   string
		hoursAgo int
		duration int
		want     string
	}{
		// Pinned values guard against accidental changes to the canonical
		// string; a change here orphans every populated bucket.
		{"kilauea", 12, 4, "d567e644f1caa486"},
		{"spurr", 0, 1, "be5fceabc88bc0b6"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			got := Derive(tt.source, tt.hoursAgo, tt.duration)
			if got != tt.want {
				t.Errorf("Derive(%q, %d, %d) = %q, want %q", tt.source, tt.hoursAgo, tt.duration, got, tt.want)
			}
			if again := Derive(tt.source, tt.hoursAgo, tt.duration); again != got {
				t.Errorf("second Derive = %q, first = %q", again, got)
			}
			if !Valid(got) {
				t.Errorf("Valid(%q) = false", got)
			}
		})
	}
}

func TestDeriveDistinguishesFields(t *testing.T) {
	base := Derive("kilauea", 12, 4)
	for _, other := range []string{
		Derive("kilauea", 13, 4),
		Derive("kilauea", 12, 5),
		Derive("maunaloa", 12, 4),
	} {
		if other == base {
			t.Fatalf("distinct requests collided on %q", base)
		}
	}
}

func TestCanonical(t *testing.T) {
	got := Canonical("kilauea", 12, 4)
	want := "kilauea_default_12h_ago_4h_duration"
	if got != want {
		t.Fatalf("Canonical = %q, want %q", got, want)
	}
}

func TestValid(t *testing.T) {
	for _, s := range []string{"", "D567E644F1CAA486", "d567e644f1caa48", "d567e644f1caa48g"} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true", s)
		}
	}
}
