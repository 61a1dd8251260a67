package memory

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	embed := HashEmbedder(64)

	a, err := embed(context.Background(), "the customer prefers email follow-ups")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := embed(context.Background(), "the customer prefers email follow-ups")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("dimension = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestHashEmbedderNormalized(t *testing.T) {
	embed := HashEmbedder(128)
	vec, err := embed(context.Background(), "alpha beta gamma alpha")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("squared norm = %f, want 1", norm)
	}
}

func TestHashEmbedderCaseAndPunctuationInsensitive(t *testing.T) {
	embed := HashEmbedder(64)
	a, _ := embed(context.Background(), "Hello, World!")
	b, _ := embed(context.Background(), "hello world")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("normalization mismatch at index %d", i)
		}
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	embed := HashEmbedder(0) // defaults to 256
	vec, err := embed(context.Background(), "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 256 {
		t.Fatalf("dimension = %d, want default 256", len(vec))
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("empty text produced non-zero component at %d", i)
		}
	}
}
