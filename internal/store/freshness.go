package store

import (
	"fmt"
	"hash/fnv"
	"sort"

	"rulecore/internal/rules"
)

// freshnessToken hashes rule IDs with their updated_at stamps into a stable
// token. The registry monitor compares tokens to decide whether to reload.
func freshnessToken(list []rules.Rule) string {
	pairs := make([]string, 0, len(list))
	for _, r := range list {
		pairs = append(pairs, r.ID+"|"+r.UpdatedAt+"|"+fmt.Sprint(r.Version))
	}
	sort.Strings(pairs)

	h := fnv.New64a()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
