package index

import "sort"

// rank orders candidates by descending similarity and applies the threshold
// with relaxation: the threshold is advisory, so a non-empty candidate set
// never ranks down to nothing. When no candidate clears it, the best
// min(3, available) are returned flagged as fallback matches.
func rank(results []Result, opts SearchOptions) []Result {
	sortResults(results)

	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if len(results) > topK {
		results = results[:topK]
	}

	above := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Similarity >= opts.Threshold {
			above = append(above, r)
		}
	}
	if len(above) > 0 {
		return above
	}
	if len(results) == 0 {
		return results
	}

	limit := relaxedLimit
	if len(results) < limit {
		limit = len(results)
	}
	relaxed := results[:limit]
	for i := range relaxed {
		relaxed[i].Fallback = true
	}
	return relaxed
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].SourceURL != results[j].SourceURL {
			return results[i].SourceURL < results[j].SourceURL
		}
		return results[i].Ordinal < results[j].Ordinal
	})
}

func sortSources(sources []Source) {
	sort.Slice(sources, func(i, j int) bool {
		if !sources[i].CrawledAt.Equal(sources[j].CrawledAt) {
			return sources[i].CrawledAt.After(sources[j].CrawledAt)
		}
		return sources[i].URL < sources[j].URL
	})
}

func matchesFilter(url string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, allowed := range filter {
		if url == allowed {
			return true
		}
	}
	return false
}
