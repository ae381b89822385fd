package main

import (
	"testing"
	"time"

	"github.com/dbogatov/car-ledger/helpers"
)

type fakeFlags map[string]any

func (f fakeFlags) IsSet(name string) bool { _, set := f[name]; return set }

func (f fakeFlags) String(name string) string {
	s, _ := f[name].(string)
	return s
}

func (f fakeFlags) Int(name string) int {
	i, _ := f[name].(int)
	return i
}

func (f fakeFlags) Float64(name string) float64 {
	x, _ := f[name].(float64)
	return x
}

func (f fakeFlags) Duration(name string) time.Duration {
	d, _ := f[name].(time.Duration)
	return d
}

func TestApplyFlagsOnlyOverridesSetFlags(t *testing.T) {
	sysParams := helpers.MakeSystemParameters()
	sysParams.Name = "from-file"
	sysParams.Transactions = 7

	applyFlags(sysParams, fakeFlags{
		"contention":      3,
		"role":            "Bank",
		"session-timeout": 2 * time.Second,
		"rate-limit-rps":  1.5,
	})

	if sysParams.Name != "from-file" {
		t.Fatalf("name = %q, want %q", sysParams.Name, "from-file")
	}
	if sysParams.Transactions != 7 {
		t.Fatalf("transactions = %d, want 7", sysParams.Transactions)
	}
	if sysParams.Contention != 3 {
		t.Fatalf("contention = %d, want 3", sysParams.Contention)
	}
	if sysParams.Role != "Bank" {
		t.Fatalf("role = %q, want %q", sysParams.Role, "Bank")
	}
	if sysParams.SessionTimeout != 2*time.Second {
		t.Fatalf("session timeout = %s, want 2s", sysParams.SessionTimeout)
	}
	if sysParams.RateLimitRPS != 1.5 {
		t.Fatalf("rate limit = %v, want 1.5", sysParams.RateLimitRPS)
	}
	if sysParams.ConcurrentVerifications != helpers.MakeSystemParameters().ConcurrentVerifications {
		t.Fatalf("concurrent verifications = %d, want default", sysParams.ConcurrentVerifications)
	}
}
