package catalogue

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Search returns sessions whose name, host or user@host fuzzily match
// query, best match first. An empty query returns every session.
func (c *Catalogue) Search(query string) []Session {
	trimmed := strings.TrimSpace(query)
	all := c.Sessions()
	if trimmed == "" {
		return all
	}

	// one label per searchable field; owner maps a label back to its session
	var labels []string
	var owner []int
	for i, s := range all {
		labels = append(labels, s.Name)
		owner = append(owner, i)
		if s.Host != "" {
			labels = append(labels, s.Host, s.Username+"@"+s.Host)
			owner = append(owner, i, i)
		}
		if s.Pod != "" {
			labels = append(labels, s.Pod, s.Namespace+"/"+s.Pod)
			owner = append(owner, i, i)
		}
		if s.InstanceID != "" {
			labels = append(labels, s.InstanceID)
			owner = append(owner, i)
		}
	}

	best := make(map[int]int)
	for _, r := range fuzzy.RankFindNormalizedFold(trimmed, labels) {
		idx := owner[r.OriginalIndex]
		if d, ok := best[idx]; !ok || r.Distance < d {
			best[idx] = r.Distance
		}
	}

	matched := make([]int, 0, len(best))
	for idx := range best {
		matched = append(matched, idx)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if best[a] != best[b] {
			return best[a] < best[b]
		}
		return a < b
	})

	out := make([]Session, len(matched))
	for i, idx := range matched {
		out[i] = all[idx]
	}
	return out
}
