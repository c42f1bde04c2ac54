//go:build !linux

package server

func processRSSBytes() (uint64, bool) { return 0, false }

func processSmapsRollupBytes() (map[string]uint64, bool) { return nil, false }

func formatSmapsRollup(map[string]uint64) string { return "" }
