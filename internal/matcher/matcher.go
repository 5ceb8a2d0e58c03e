// Package matcher computes which workers may see and accept an issue.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
)

// WorkerSource lists worker ids by filter.
type WorkerSource interface {
	WorkerIDs(ctx context.Context, f repo.WorkerFilter) ([]string, error)
}

type Matcher struct {
	Workers WorkerSource
	// RequireAvailable excludes workers that switched availability off.
	RequireAvailable bool
}

func New(workers WorkerSource, requireAvailable bool) Matcher {
	return Matcher{Workers: workers, RequireAvailable: requireAvailable}
}

// Match returns every worker whose categories contain the issue category. The
// result is a set: sorted, without duplicates, never nil. No ranking applies.
func (m Matcher) Match(ctx context.Context, issue domain.Issue) ([]string, error) {
	if issue.Category == "" {
		return nil, fmt.Errorf("match issue %s: category required", issue.ID)
	}
	ids, err := m.Workers.WorkerIDs(ctx, repo.WorkerFilter{
		Category:      issue.Category,
		AvailableOnly: m.RequireAvailable,
	})
	if err != nil {
		return nil, fmt.Errorf("match issue %s: %w", issue.ID, err)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
