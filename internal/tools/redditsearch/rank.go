package redditsearch

import (
	"sort"

	"github.com/haasonsaas/scout/internal/providers/websearch"
)

// Weight scores a 0-indexed result position. It must be monotonically
// non-increasing in the position.
type Weight func(position int) float64

// DefaultWeight is the click-through-style decay 1/(1+pos): rank 0
// scores 1.0, rank 1 scores 0.5, and so on.
func DefaultWeight(position int) float64 {
	return 1 / float64(1+position)
}

// DefaultConsensusThreshold is how many distinct queries a URL must
// appear in to count as cross-query consensus.
const DefaultConsensusThreshold = 2

// Ranked is one URL's aggregate standing across every query.
type Ranked struct {
	URL     string
	Title   string
	Snippet string
	// Score sums, over the queries the URL appeared in, the weight of
	// its best position in that query times its appearance count there.
	Score float64
	// Queries counts the distinct queries the URL appeared in.
	Queries int
	// BestRank is the minimum 0-indexed position across all queries.
	BestRank int
}

// Aggregate ranks every URL across the per-query result lists.
// consensus holds the URLs that appeared in at least threshold distinct
// queries; all holds every URL. Both are sorted by descending score,
// ties broken by BestRank and then by URL. Title and snippet are taken
// from the best-ranked appearance. A nil weight falls back to
// DefaultWeight, a non-positive threshold to DefaultConsensusThreshold.
func Aggregate(results []websearch.QueryResult, weight Weight, threshold int) (consensus, all []Ranked) {
	if weight == nil {
		weight = DefaultWeight
	}
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	type appearance struct {
		pos     int
		count   int
		title   string
		snippet string
	}
	byURL := map[string]*Ranked{}
	for _, qr := range results {
		// Collapse duplicates within one query first so a URL repeated
		// in a single result list counts its appearances at its best
		// position instead of inflating the distinct-query tally.
		perQuery := map[string]appearance{}
		for _, item := range qr.Results {
			if item.URL == "" {
				continue
			}
			a, ok := perQuery[item.URL]
			if !ok {
				perQuery[item.URL] = appearance{pos: item.Position, count: 1, title: item.Title, snippet: item.Snippet}
				continue
			}
			if item.Position < a.pos {
				a.pos = item.Position
				a.title = item.Title
				a.snippet = item.Snippet
			}
			a.count++
			perQuery[item.URL] = a
		}

		for url, a := range perQuery {
			r := byURL[url]
			if r == nil {
				r = &Ranked{URL: url, Title: a.title, Snippet: a.snippet, BestRank: a.pos}
				byURL[url] = r
			}
			r.Score += weight(a.pos) * float64(a.count)
			r.Queries++
			if a.pos < r.BestRank {
				r.BestRank = a.pos
				r.Title = a.title
				r.Snippet = a.snippet
			}
		}
	}

	all = make([]Ranked, 0, len(byURL))
	for _, r := range byURL {
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if all[i].BestRank != all[j].BestRank {
			return all[i].BestRank < all[j].BestRank
		}
		return all[i].URL < all[j].URL
	})

	consensus = make([]Ranked, 0, len(all))
	for _, r := range all {
		if r.Queries >= threshold {
			consensus = append(consensus, r)
		}
	}
	return consensus, all
}
