package realtime

import (
	"testing"
	"time"
)

func TestLimiter_AllowWithinWindow(t *testing.T) {
	lim := NewLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !lim.Allow("ses-1") {
			t.Fatalf("message %d rejected inside limit", i+1)
		}
	}
	if lim.Allow("ses-1") {
		t.Error("message over limit was allowed")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	lim := NewLimiter(1, time.Minute)

	if !lim.Allow("ses-1") {
		t.Fatal("first key rejected")
	}
	if !lim.Allow("ses-2") {
		t.Error("second key throttled by first key's usage")
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	lim := NewLimiter(1, 20*time.Millisecond)

	if !lim.Allow("ses-1") {
		t.Fatal("first message rejected")
	}
	if lim.Allow("ses-1") {
		t.Fatal("second message in window allowed")
	}

	time.Sleep(30 * time.Millisecond)
	if !lim.Allow("ses-1") {
		t.Error("message after window expiry rejected")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	lim := NewLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !lim.Allow("ses-1") {
			t.Fatal("disabled limiter rejected a message")
		}
	}
}

func TestLimiter_Forget(t *testing.T) {
	lim := NewLimiter(1, time.Hour)

	lim.Allow("ses-1")
	if lim.Allow("ses-1") {
		t.Fatal("limit not enforced")
	}
	lim.Forget("ses-1")
	if !lim.Allow("ses-1") {
		t.Error("forgotten key still throttled")
	}
}
