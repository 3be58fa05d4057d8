package fetcher

import (
	"context"
	"testing"
	"time"
)

func TestDomainKey(t *testing.T) {
	tests := map[string]string{
		"www.example.com":   "example.com",
		"cdn.Example.COM.":  "example.com",
		"news.bbc.co.uk":    "bbc.co.uk",
		"127.0.0.1":         "127.0.0.1",
		"localhost":         "localhost",
		"::1":               "::1",
		"example.github.io": "example.github.io",
	}
	for in, want := range tests {
		if got := DomainKey(in); got != want {
			t.Errorf("DomainKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRateLimiterMap_SharesDomainBudget(t *testing.T) {
	m := NewRateLimiterMap(0.001, 1)

	if err := m.Wait(context.Background(), "a.example.com"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, "b.example.com"); err == nil {
		t.Error("expected second request on the same domain to be limited")
	}

	if err := m.Wait(context.Background(), "other.org"); err != nil {
		t.Errorf("other domain should have its own budget: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestRateLimiterMap_Unlimited(t *testing.T) {
	m := NewRateLimiterMap(0, 1)
	for range 100 {
		if err := m.Wait(context.Background(), "example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestRateLimiterMap_Prune(t *testing.T) {
	m := NewRateLimiterMap(10, 1)
	_ = m.Wait(context.Background(), "example.com")
	if n := m.Prune(time.Hour); n != 0 {
		t.Errorf("Prune removed %d fresh limiters", n)
	}
	if n := m.Prune(-time.Second); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
}
