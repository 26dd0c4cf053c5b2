package vectorindex

import (
	"context"
	"fmt"
)

// Recall returns the mean recall-at-k of candidate against reference over
// queries. Both indexes must hold the same entries; reference is normally a
// Memory index, which is exact.
func Recall(ctx context.Context, reference, candidate Index, queries [][]float32, k int) (float64, error) {
	if len(queries) == 0 || k <= 0 {
		return 1, nil
	}
	var total float64
	counted := 0
	for i, q := range queries {
		want, err := reference.Search(ctx, q, k)
		if err != nil {
			return 0, fmt.Errorf("reference search %d: %w", i, err)
		}
		if len(want) == 0 {
			continue
		}
		got, err := candidate.Search(ctx, q, k)
		if err != nil {
			return 0, fmt.Errorf("candidate search %d: %w", i, err)
		}
		found := make(map[string]struct{}, len(got))
		for _, m := range got {
			found[m.ID] = struct{}{}
		}
		hits := 0
		for _, m := range want {
			if _, ok := found[m.ID]; ok {
				hits++
			}
		}
		total += float64(hits) / float64(len(want))
		counted++
	}
	if counted == 0 {
		return 1, nil
	}
	return total / float64(counted), nil
}
