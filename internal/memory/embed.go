package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// #region collaborator-interfaces

// Summarizer condenses a full trace into a short text before embedding.
// Summarization runs strictly before embedding: embedding raw traces was
// found to destabilize similarity rankings.
type Summarizer interface {
	Summarize(traceJSON []byte) (string, error)
}

// Embedder turns text into a fixed-length vector. External and potentially
// nondeterministic in general; the default implementation below is
// deterministic so audits reproduce.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dim() int
}

// #endregion collaborator-interfaces

// #region key-summarizer

// KeySummarizer is the default deterministic summarizer: it names the
// trace's top-level keys and its failure reason.
type KeySummarizer struct{}

// Summarize renders "Trace summary with keys: ...; failure: ...".
func (KeySummarizer) Summarize(traceJSON []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(traceJSON, &obj); err != nil {
		return "", fmt.Errorf("summarize trace: %w", err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	failure := "none"
	if raw, ok := obj["failure_reason"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			failure = s
		}
	}
	return fmt.Sprintf("Trace summary with keys: %s. Failure: %s",
		strings.Join(keys, ", "), failure), nil
}

// #endregion key-summarizer

// #region hash-embedder

// HashEmbedder is the default deterministic embedder: the text's sha256
// digest seeds a gaussian vector which is normalized to unit length.
// No external service, fully reproducible.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing dim-length vectors.
func NewHashEmbedder(dim int) HashEmbedder {
	return HashEmbedder{dim: dim}
}

// Dim returns the embedding dimension.
func (e HashEmbedder) Dim() int { return e.dim }

// Embed maps text to a unit-norm vector, identical for identical text.
func (e HashEmbedder) Embed(text string) ([]float32, error) {
	if e.dim <= 0 {
		return nil, fmt.Errorf("embed: invalid dimension %d", e.dim)
	}
	digest := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(digest[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, e.dim)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// #endregion hash-embedder

// #region cosine

// cosine computes cosine similarity; zero for mismatched or zero vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// #endregion cosine
