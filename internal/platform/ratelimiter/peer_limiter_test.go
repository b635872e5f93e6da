package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *PeerLimiter
	for i := 0; i < 100; i++ {
		if !l.Allow("tab1peer", time.Now()) {
			t.Fatalf("nil limiter must allow")
		}
	}
}

func TestInvalidArgsReturnNil(t *testing.T) {
	if New(0, 5, time.Minute) != nil {
		t.Fatalf("expected nil limiter for zero rps")
	}
	if New(1, 0, time.Minute) != nil {
		t.Fatalf("expected nil limiter for zero burst")
	}
}

func TestBurstIsEnforcedPerPeer(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("tab1a", now) {
			t.Fatalf("call %d within burst must be allowed", i)
		}
	}
	if l.Allow("tab1a", now) {
		t.Fatalf("call beyond burst must be denied")
	}
	// Another peer has its own bucket.
	if !l.Allow("tab1b", now) {
		t.Fatalf("separate peer must not share the bucket")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(10, 1, time.Minute)
	now := time.Now()
	if !l.Allow("tab1a", now) {
		t.Fatalf("first call must be allowed")
	}
	if l.Allow("tab1a", now) {
		t.Fatalf("second immediate call must be denied")
	}
	if !l.Allow("tab1a", now.Add(200*time.Millisecond)) {
		t.Fatalf("call after refill must be allowed")
	}
}
