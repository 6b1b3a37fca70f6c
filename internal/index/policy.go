package index

// EvictionPolicy decides which chunks survive a Compact pass.
//
// The input slice is in insertion order and must not be mutated; the policy
// returns the chunks to keep, also in insertion order. Implementations that
// keep everything can return the input unchanged.
type EvictionPolicy interface {
	Evict(chunks []Chunk) []Chunk
}

// KeepAll never evicts anything. This is the default policy: corrections are
// framed as accumulating evidence, and dropping them is an operator decision.
type KeepAll struct{}

// Evict returns chunks unchanged.
func (KeepAll) Evict(chunks []Chunk) []Chunk { return chunks }

// MaxChunks bounds the total chunk count. Corpus chunks are always kept;
// when the total exceeds Limit, the oldest feedback chunks are dropped first
// (lowest sequence number), since stale corrections are the least likely to
// still reflect reviewer intent.
type MaxChunks struct {
	Limit int
}

// Evict trims the oldest feedback chunks until the total fits Limit.
func (p MaxChunks) Evict(chunks []Chunk) []Chunk {
	if p.Limit <= 0 || len(chunks) <= p.Limit {
		return chunks
	}

	excess := len(chunks) - p.Limit
	out := make([]Chunk, 0, p.Limit)
	for _, c := range chunks {
		if excess > 0 && c.Source == SourceFeedback {
			excess--
			continue
		}
		out = append(out, c)
	}
	return out
}
