package kafka

import (
	"testing"
	"time"
)

func TestBackoff_Schedule(t *testing.T) {
	b := newBackoff(RetryCfg{Attempts: 4, Backoff: 10 * time.Millisecond})
	if b.attempts() != 4 {
		t.Fatalf("attempts = %d", b.attempts())
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		d, ok := b.next(i + 1)
		if !ok || d != w {
			t.Fatalf("next(%d) = %v, %v; want %v", i+1, d, ok, w)
		}
	}
	if _, ok := b.next(4); ok {
		t.Fatal("budget of 4 attempts allows only 3 retries")
	}
}

func TestBackoff_SingleAttempt(t *testing.T) {
	b := newBackoff(RetryCfg{Attempts: 1, Backoff: time.Second})
	if _, ok := b.next(1); ok {
		t.Fatal("single attempt must not retry")
	}
}
