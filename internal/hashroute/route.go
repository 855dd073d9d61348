package hashroute

import (
	"hash/fnv"
	"strings"

	"geoledger/internal/domain"
)

const PartitionCount = 25

// CanonicalizeSpaceID normalizes space ids before hashing. Ids stay case sensitive everywhere
// else; only the partition choice ignores case and padding.
func CanonicalizeSpaceID(spaceID string) string {
	return strings.ToLower(strings.TrimSpace(spaceID))
}

// PartitionForSpace places every lineage of a space in the same partition, so branch and
// main lineages of one space share a ledger file and a socket worker.
func PartitionForSpace(spaceID string) int {
	key := CanonicalizeSpaceID(spaceID)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % PartitionCount)
}

func PartitionForLineage(key domain.LineageKey) int {
	return PartitionForSpace(key.Space)
}
