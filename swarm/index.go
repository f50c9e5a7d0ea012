package swarm

import "sort"

// indexed is implemented by entities that live in an Index
type indexed interface {
	indexID() string
}

// Index is an id → entity registry that preserves insertion order.
// Insertion order matters: the kudos priority sort must be stable for
// owners with equal balances, so iteration cannot go through a bare map.
//
// All Index methods require the owning Store's lock to be held.
type Index[T indexed] struct {
	items map[string]T
	order []string
}

// newIndex creates an empty registry
func newIndex[T indexed]() *Index[T] {
	return &Index[T]{items: make(map[string]T)}
}

// add registers an item under its id, appending to the iteration order.
// Re-adding an existing id keeps its original position.
func (ix *Index[T]) add(item T) {
	id := item.indexID()
	if _, ok := ix.items[id]; !ok {
		ix.order = append(ix.order, id)
	}
	ix.items[id] = item
}

// get returns the item for an id
func (ix *Index[T]) get(id string) (T, bool) {
	item, ok := ix.items[id]
	return item, ok
}

// del removes an item from the registry
func (ix *Index[T]) del(item T) {
	id := item.indexID()
	if _, ok := ix.items[id]; !ok {
		return
	}
	delete(ix.items, id)
	for i, oid := range ix.order {
		if oid == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

// all returns every item in insertion order
func (ix *Index[T]) all() []T {
	out := make([]T, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.items[id])
	}
	return out
}

// size returns the number of registered items
func (ix *Index[T]) size() int {
	return len(ix.items)
}

// PromptsIndex is the registry of live WaitingPrompts, keyed by uuid.
// It layers queue accounting over the generic registry.
type PromptsIndex struct {
	*Index[*WaitingPrompt]
}

func newPromptsIndex() *PromptsIndex {
	return &PromptsIndex{Index: newIndex[*WaitingPrompt]()}
}

// countWaitingFor counts a user's prompts that still need work
func (ix *PromptsIndex) countWaitingFor(user *User) int {
	count := 0
	for _, wp := range ix.all() {
		if wp.Owner == user && !wp.isCompleted() {
			count++
		}
	}
	return count
}

// QueueTotals aggregates the whole queue for horde-wide reporting
type QueueTotals struct {
	QueuedRequests int `json:"queued_requests"`
	QueuedTokens   int `json:"queued_tokens"`
}

// countTotals sums outstanding generations and their token footprint
func (ix *PromptsIndex) countTotals() QueueTotals {
	totals := QueueTotals{}
	for _, wp := range ix.all() {
		totals.QueuedRequests += wp.N
		if wp.N > 0 {
			totals.QueuedTokens += wp.MaxLength
		}
	}
	return totals
}

// waitingByKudos returns every prompt still needing generation, ordered by
// owner kudos descending. Ties keep insertion order (stable sort).
func (ix *PromptsIndex) waitingByKudos() []*WaitingPrompt {
	sorted := ix.all()
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Owner.Kudos > sorted[j].Owner.Kudos
	})
	waiting := make([]*WaitingPrompt, 0, len(sorted))
	for _, wp := range sorted {
		if wp.needsGen() {
			waiting = append(waiting, wp)
		}
	}
	return waiting
}

// queueStats walks the priority order accumulating the tokens and
// generations queued ahead of (and including) wp. Returns the prompt's
// position, or (-1, 0, 0) when wp no longer needs generation.
func (ix *PromptsIndex) queueStats(wp *WaitingPrompt) (pos int, tokensAhead int, nAhead int) {
	for i, queued := range ix.waitingByKudos() {
		tokensAhead += queued.queuedTokens()
		nAhead += queued.N
		if queued == wp {
			return i, tokensAhead, nAhead
		}
	}
	return -1, 0, 0
}

// GenerationsIndex is the registry of in-flight generations, keyed by uuid
type GenerationsIndex struct {
	*Index[*ProcessingGeneration]
}

func newGenerationsIndex() *GenerationsIndex {
	return &GenerationsIndex{Index: newIndex[*ProcessingGeneration]()}
}
