package vectorstore

import (
	"fmt"
	"math"
	"sort"

	"codecompass/internal/errs"
)

// Cosine returns dot(a,b)/(|a|·|b|). Vectors of different length or with a
// zero norm have no defined similarity and report ok=false.
func Cosine(a, b []float32) (score float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push parallel vectors slightly past 1.
	return math.Max(-1, math.Min(1, s)), true
}

func validateQuery(query []float32, k int) error {
	if k <= 0 {
		return &errs.ValidationError{Field: "k", Message: "must be greater than 0"}
	}
	if len(query) == 0 {
		return &errs.ValidationError{Field: "query", Message: "is required"}
	}
	return nil
}

func validateChunks(chunks []Chunk) error {
	for i, c := range chunks {
		if c.ID == "" {
			return &errs.ValidationError{Field: fmt.Sprintf("chunks[%d].id", i), Message: "is required"}
		}
		if len(c.Embedding) == 0 {
			return &errs.ValidationError{Field: fmt.Sprintf("chunks[%d].embedding", i), Message: "is required before storing"}
		}
	}
	return nil
}

// topK keeps the k best matches seen so far. Offers must arrive in insertion
// order; an offer tying an existing score ranks after it.
type topK struct {
	k       int
	matches []Match
}

func newTopK(k int) *topK {
	return &topK{k: k, matches: make([]Match, 0, k)}
}

func (t *topK) offer(m Match) {
	// first position holding a strictly lower score
	i := sort.Search(len(t.matches), func(i int) bool {
		return t.matches[i].Score < m.Score
	})
	if i >= t.k {
		return
	}
	if len(t.matches) < t.k {
		t.matches = append(t.matches, Match{})
	}
	copy(t.matches[i+1:], t.matches[i:len(t.matches)-1])
	t.matches[i] = m
}

func (t *topK) result() []Match {
	return t.matches
}
