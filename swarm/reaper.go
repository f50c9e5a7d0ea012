package swarm

// ReapStalePrompts deletes every waiting prompt that has gone longer
// than its stale window without progress, cascading to its generations.
// One store-level sweep covers all prompts; prompts never own their own
// timers. Returns the number of prompts reaped.
//
// Stale workers are deliberately not evicted: they drop out of the
// active counts and available models through isStale checks and resume
// on their next check-in.
func (s *Store) ReapStalePrompts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	for _, wp := range s.prompts.all() {
		if wp.isStale(now) {
			wp.delete()
			reaped++
			s.log.Infow("Reaped stale prompt",
				"id", wp.ID,
				"owner", wp.Owner.UniqueAlias())
		}
	}
	return reaped
}
