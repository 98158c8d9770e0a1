package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// BatchResult holds one Result per request, in request order.
type BatchResult struct {
	Results []Result
}

// OK reports whether every request succeeded.
func (b BatchResult) OK() bool {
	for _, r := range b.Results {
		if !r.Outcome.OK() {
			return false
		}
	}
	return true
}

// Failed returns the results that did not succeed.
func (b BatchResult) Failed() []Result {
	var failed []Result
	for _, r := range b.Results {
		if !r.Outcome.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Counts tallies results by outcome.
func (b BatchResult) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, r := range b.Results {
		counts[r.Outcome]++
	}
	return counts
}

// Summary renders the counts, e.g. "3 packages: 2 installed, 1 fetch_failed".
func (b BatchResult) Summary() string {
	counts := b.Counts()
	outcomes := make([]Outcome, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })

	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%d %s", counts[o], o))
	}
	noun := "packages"
	if len(b.Results) == 1 {
		noun = "package"
	}
	return fmt.Sprintf("%d %s: %s", len(b.Results), noun, strings.Join(parts, ", "))
}

// AcquireAll runs every request, at most the configured number at a time.
// Each request reaches its own outcome; one failure does not stop the
// others. Requests not started before ctx is done fail with ctx's error.
func (p *Pipeline) AcquireAll(ctx context.Context, reqs []Request) BatchResult {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Request: req, Outcome: FetchFailed, Err: err}
				p.metrics.observe(results[i])
				return nil
			}
			results[i] = p.Acquire(ctx, req)
			return nil
		})
	}
	g.Wait()

	return BatchResult{Results: results}
}
