// Copyright 2026 The Cmdd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"
	"time"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		expected string
	}{
		{name: "sub-second rounds up", age: 200 * time.Millisecond, expected: "1s"},
		{name: "seconds", age: 42 * time.Second, expected: "42s"},
		{name: "minutes", age: 3*time.Minute + 12*time.Second, expected: "3m12s"},
		{name: "hours", age: 2*time.Hour + 5*time.Minute + 59*time.Second, expected: "2h5m"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := formatAge(test.age); got != test.expected {
				t.Errorf("formatAge(%v) = %q, want %q", test.age, got, test.expected)
			}
		})
	}
}

func TestFormatByteCount(t *testing.T) {
	tests := []struct {
		name     string
		count    uint64
		expected string
	}{
		{name: "zero", count: 0, expected: "0"},
		{name: "small", count: 512, expected: "512"},
		{name: "kilo", count: 2048, expected: "2.0K"},
		{name: "mega", count: 1_500_000, expected: "1.5M"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := formatByteCount(test.count); got != test.expected {
				t.Errorf("formatByteCount(%d) = %q, want %q", test.count, got, test.expected)
			}
		})
	}
}
