package pipeline

import "strings"

// Sentence composes the announcement for one frame's labels: distinct labels
// joined with " and ", suffixed " ahead". Duplicate labels collapse, order is
// first occurrence. An empty label set yields an empty sentence.
func Sentence(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(labels))
	distinct := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		distinct = append(distinct, l)
	}
	return strings.Join(distinct, " and ") + " ahead"
}
