package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder returns a deterministic local embedder: each token is hashed
// into one of dim buckets and the resulting bag-of-words vector is
// L2-normalized. It gives stable, dependency-free similarity for tests and
// single-node deployments; callers wanting semantic quality plug in a
// provider-backed Embedder instead.
func HashEmbedder(dim int) EmbedderFunc {
	if dim <= 0 {
		dim = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(tok, ".,!?;:\"'()[]{}")))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for i := range vec {
				vec[i] *= inv
			}
		}
		return vec, nil
	}
}
