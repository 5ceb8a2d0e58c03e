package engine

// Tracked returns how many issues the retrier holds attempt counts for.
func (r *MatchRetrier) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
