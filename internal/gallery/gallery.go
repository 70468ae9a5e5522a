// Package gallery holds the in-memory face index searched on every scan.
//
// The gallery owns an L2-normalized copy of every known person's embedding.
// Readers take the read lock for a full search; writers build the normalized
// vector before taking the write lock, so a reader never observes a partially
// inserted entry.
package gallery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
)

// ErrDimensionMismatch is a configuration error: stored and query embeddings
// come from different models. It must never be reported as a low similarity.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// HNSW graph parameters for 512-dim face embeddings.
const (
	hnswMaxNeighbors = 16
	hnswMinEfSearch  = 64
)

// Entry is what the gallery needs to know about a person.
type Entry struct {
	PersonID   uuid.UUID
	Embedding  []float32
	LastSeenAt time.Time
}

// Match is the best gallery hit for a query.
type Match struct {
	PersonID   uuid.UUID
	Similarity float32
}

type entry struct {
	id       uuid.UUID
	vec      []float32 // normalized, never mutated after insert
	lastSeen time.Time
}

type Gallery struct {
	mu           sync.RWMutex
	dim          int
	candidateCap int
	entries      map[uuid.UUID]*entry
	graph        *hnsw.Graph[string]
}

// New creates an empty gallery for embeddings of length dim. Searches over
// more than candidateCap persons rank only the top candidateCap candidates
// returned by the HNSW graph.
func New(dim, candidateCap int) *Gallery {
	if candidateCap < 1 {
		candidateCap = 1
	}
	return &Gallery{
		dim:          dim,
		candidateCap: candidateCap,
		entries:      make(map[uuid.UUID]*entry),
		graph:        newGraph(candidateCap),
	}
}

func newGraph(candidateCap int) *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	g.EfSearch = max(hnswMinEfSearch, 2*candidateCap)
	return g
}

// Dim returns the embedding length the gallery accepts.
func (g *Gallery) Dim() int {
	return g.dim
}

// Len returns the number of indexed persons.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Load replaces the whole index. Entries without an embedding are skipped;
// an entry of the wrong length aborts the load.
func (g *Gallery) Load(entries []Entry) error {
	built := make(map[uuid.UUID]*entry, len(entries))
	graph := newGraph(g.candidateCap)

	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		if len(e.Embedding) != g.dim {
			return fmt.Errorf("load person %s: %w (got %d, want %d)", e.PersonID, ErrDimensionMismatch, len(e.Embedding), g.dim)
		}
		vec := Normalize(e.Embedding)
		if isZero(vec) {
			continue
		}
		built[e.PersonID] = &entry{id: e.PersonID, vec: vec, lastSeen: e.LastSeenAt}
		graph.Add(hnsw.MakeNode(e.PersonID.String(), vec))
	}

	g.mu.Lock()
	g.entries = built
	g.graph = graph
	g.mu.Unlock()
	return nil
}

// Upsert inserts or replaces a person's embedding.
func (g *Gallery) Upsert(e Entry) error {
	if len(e.Embedding) != g.dim {
		return fmt.Errorf("upsert person %s: %w (got %d, want %d)", e.PersonID, ErrDimensionMismatch, len(e.Embedding), g.dim)
	}
	vec := Normalize(e.Embedding)
	if isZero(vec) {
		return fmt.Errorf("upsert person %s: zero embedding", e.PersonID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := e.PersonID.String()
	if old, ok := g.entries[e.PersonID]; ok {
		g.graph.Delete(key)
		if e.LastSeenAt.Before(old.lastSeen) {
			e.LastSeenAt = old.lastSeen
		}
	}
	g.entries[e.PersonID] = &entry{id: e.PersonID, vec: vec, lastSeen: e.LastSeenAt}
	g.graph.Add(hnsw.MakeNode(key, vec))
	return nil
}

// Touch records a sighting used by the equal-similarity tie-break.
func (g *Gallery) Touch(id uuid.UUID, seenAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[id]; ok && seenAt.After(e.lastSeen) {
		g.entries[id] = &entry{id: e.id, vec: e.vec, lastSeen: seenAt}
	}
}

// Remove drops a person from the index.
func (g *Gallery) Remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[id]; !ok {
		return
	}
	delete(g.entries, id)
	g.graph.Delete(id.String())
}

// Nearest returns the most similar person whose similarity is at least
// threshold. Ties on similarity go to the most recently seen person, then to
// the smaller id.
func (g *Gallery) Nearest(query []float32, threshold float32) (Match, bool, error) {
	if len(query) != g.dim {
		return Match{}, false, fmt.Errorf("nearest: %w (got %d, want %d)", ErrDimensionMismatch, len(query), g.dim)
	}
	q := Normalize(query)
	if isZero(q) {
		return Match{}, false, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *entry
	var bestScore float32
	consider := func(e *entry) {
		score := dot(q, e.vec)
		if best == nil || better(score, e, bestScore, best) {
			best, bestScore = e, score
		}
	}

	if len(g.entries) <= g.candidateCap {
		for _, e := range g.entries {
			consider(e)
		}
	} else {
		for _, node := range g.graph.Search(q, g.candidateCap) {
			id, err := uuid.Parse(node.Key)
			if err != nil {
				continue
			}
			if e, ok := g.entries[id]; ok {
				consider(e)
			}
		}
	}

	if best == nil || bestScore < threshold {
		return Match{}, false, nil
	}
	return Match{PersonID: best.id, Similarity: bestScore}, true, nil
}

func better(score float32, e *entry, bestScore float32, best *entry) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !e.lastSeen.Equal(best.lastSeen) {
		return e.lastSeen.After(best.lastSeen)
	}
	return e.id.String() < best.id.String()
}
