package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAllow_BurstThenRefill(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()
	key := CallerKey("+15551230000")

	for i := 0; i < 2; i++ {
		if d := l.Allow(key, now); !d.Allowed {
			t.Fatalf("call %d denied", i)
		}
	}
	d := l.Allow(key, now)
	if d.Allowed {
		t.Fatalf("third call should be denied")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter=%d, want 1", d.RetryAfter)
	}
	if d := l.Allow(key, now.Add(1100*time.Millisecond)); !d.Allowed {
		t.Fatalf("expected a token after refill")
	}
}

func TestAllow_CallersAreIndependent(t *testing.T) {
	l := New(Config{RPS: 0.1, Burst: 1})
	now := time.Now()
	if !l.Allow(CallerKey("+1"), now).Allowed {
		t.Fatalf("first caller denied")
	}
	if l.Allow(CallerKey("+1"), now).Allowed {
		t.Fatalf("first caller should be throttled")
	}
	if !l.Allow(CallerKey("+2"), now).Allowed {
		t.Fatalf("second caller should not share the first caller's bucket")
	}
}

func TestAllow_DisabledAlwaysAllows(t *testing.T) {
	var nilLimiter *Limiter
	if !nilLimiter.Allow("x", time.Now()).Allowed {
		t.Fatalf("nil limiter denied")
	}
	l := New(Config{})
	for i := 0; i < 100; i++ {
		if !l.Allow("x", time.Now()).Allowed {
			t.Fatalf("disabled limiter denied")
		}
	}
}

func TestAllow_BoundedEntries(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Now()
	l.Allow("a", now)
	l.Allow("b", now)
	l.Allow("c", now.Add(2*time.Minute))
	if n := l.size(); n > 2 {
		t.Fatalf("size=%d, want <= 2", n)
	}
}

func TestCallerKey(t *testing.T) {
	k := CallerKey("+15551230000")
	if !strings.HasPrefix(k, "c_") || len(k) != 34 {
		t.Fatalf("key=%q", k)
	}
	if CallerKey("+15551230000") != k {
		t.Fatalf("key not stable")
	}
	if CallerKey("") != "anonymous" {
		t.Fatalf("empty number key=%q", CallerKey(""))
	}
}
