//go:build linux

package server

import "testing"

func TestProcessMemory(t *testing.T) {
	if rss, ok := processRSSBytes(); !ok || rss == 0 {
		t.Fatalf("rss = %d, ok = %v", rss, ok)
	}
	got := formatSmapsRollup(map[string]uint64{"Rss": 3 << 20, "Anonymous": 2048})
	if got != "Anonymous=2.0 KiB Rss=3.0 MiB" {
		t.Fatalf("formatted = %q", got)
	}
}
