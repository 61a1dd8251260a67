package cache

import (
	"testing"
	"time"
)

func TestDedupeFirstSeenThenDuplicate(t *testing.T) {
	d := NewDedupe(DedupeOptions{TTL: time.Minute})
	now := time.Now()

	if d.CheckAt("whatsapp:msg-1", now) {
		t.Error("first sighting reported as duplicate")
	}
	if !d.CheckAt("whatsapp:msg-1", now.Add(time.Second)) {
		t.Error("second sighting within TTL not reported as duplicate")
	}
	if d.CheckAt("whatsapp:msg-2", now) {
		t.Error("unrelated key reported as duplicate")
	}
}

func TestDedupeExpiry(t *testing.T) {
	d := NewDedupe(DedupeOptions{TTL: time.Minute})
	now := time.Now()

	d.CheckAt("k", now)
	if d.CheckAt("k", now.Add(2*time.Minute)) {
		t.Error("expired key reported as duplicate")
	}
	// The expired check refreshed the timestamp.
	if !d.CheckAt("k", now.Add(2*time.Minute+time.Second)) {
		t.Error("refreshed key not reported as duplicate")
	}
}

func TestDedupeZeroTTLNeverExpires(t *testing.T) {
	d := NewDedupe(DedupeOptions{})
	now := time.Now()

	d.CheckAt("k", now)
	if !d.CheckAt("k", now.Add(24*365*time.Hour)) {
		t.Error("zero-TTL entry expired")
	}
}

func TestDedupeEmptyKey(t *testing.T) {
	d := NewDedupe(DedupeOptions{TTL: time.Minute})
	if d.Check("") || d.Check("") {
		t.Error("empty key must never be a duplicate")
	}
	if d.Len() != 0 {
		t.Errorf("empty key stored, Len = %d", d.Len())
	}
}

func TestDedupeMaxSizeEvictsOldest(t *testing.T) {
	d := NewDedupe(DedupeOptions{TTL: time.Hour, MaxSize: 2})
	now := time.Now()

	d.CheckAt("a", now)
	d.CheckAt("b", now.Add(time.Second))
	d.CheckAt("c", now.Add(2*time.Second))

	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}
	if d.Contains("a") {
		t.Error("oldest key survived eviction")
	}
	if !d.Contains("b") || !d.Contains("c") {
		t.Error("newer keys evicted")
	}
}

func TestDedupeRemove(t *testing.T) {
	d := NewDedupe(DedupeOptions{TTL: time.Minute})
	d.Check("k")
	d.Remove("k")
	if d.Check("k") {
		t.Error("removed key reported as duplicate")
	}
}

func TestMessageKey(t *testing.T) {
	tests := []struct {
		channel   string
		messageID string
		want      string
	}{
		{"whatsapp", "wamid.123", "whatsapp:wamid.123"},
		{"", "m-1", "m-1"},
		{"telegram", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := MessageKey(tt.channel, tt.messageID); got != tt.want {
			t.Errorf("MessageKey(%q, %q) = %q, want %q", tt.channel, tt.messageID, got, tt.want)
		}
	}
}

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTL[int](time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache returned a value")
	}
	c.Set("k", 42)
	got, ok := c.Get("k")
	if !ok || got != 42 {
		t.Errorf("Get = %d, %v, want 42, true", got, ok)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted key still present")
	}
}

func TestTTLCacheExpires(t *testing.T) {
	c := NewTTL[string](10 * time.Millisecond)
	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry still readable")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", c.Len())
	}
}
