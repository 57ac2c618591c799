package router

import "math"

// Encoder turns free text into a fixed-dimension unit-norm vector. The
// embedding model itself is out of scope (spec §1 "out of scope: the
// embedding encoder, treated as a text → unit-vector function") — callers
// inject a concrete implementation (e.g. a call out to an embedding
// service, or a local model).
type Encoder interface {
	Embed(text string) []float32
}

// Embedding routes by cosine similarity between a query embedding and a
// per-expert anchor embedding (the expert's own label, embedded once at
// construction). Ties are broken by current MRU order, leftmost (most
// recently used) wins. An empty query rotates the MRU head to the tail
// and returns the outgoing head, a deliberately cheap "round robin by
// recency" fallback.
type Embedding struct {
	enc     Encoder
	anchors map[string][]float32
	mru     []string // head = most recently used
}

// NewEmbedding computes and caches a unit-norm anchor per expert id using
// the given encoder, and seeds the MRU queue in registration order.
func NewEmbedding(experts []string, enc Encoder) *Embedding {
	anchors := make(map[string][]float32, len(experts))
	for _, e := range experts {
		anchors[e] = normalize(enc.Embed(e))
	}
	return &Embedding{
		enc:     enc,
		anchors: anchors,
		mru:     cloneExperts(experts),
	}
}

func (r *Embedding) Route(query string) string {
	if query == "" {
		head := r.mru[0]
		r.mru = append(r.mru[1:], head)
		return head
	}

	qVec := normalize(r.enc.Embed(query))
	best, bestScore := "", -1.0
	for _, expert := range r.mru {
		score := float64(cosine(qVec, r.anchors[expert]))
		if score > bestScore {
			best, bestScore = expert, score
		}
	}
	r.touch(best)
	return best
}

// touch moves expert to the MRU head.
func (r *Embedding) touch(expert string) {
	idx := -1
	for i, e := range r.mru {
		if e == expert {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.mru = append(r.mru[:idx], r.mru[idx+1:]...)
	r.mru = append([]string{expert}, r.mru...)
}

func cosine(a, b []float32) float32 {
	var dot float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return dot
}

func normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	out := make([]float32, len(v))
	if sumSq == 0 {
		return out
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
