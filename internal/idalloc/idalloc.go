// Package idalloc implements the tenant IP-offset allocator: given
// the set of offsets already in use under a tenant, find the next
// free one in range, or report exhaustion.
package idalloc

import (
	"sort"

	"fleetd/internal/ferr"
	"fleetd/internal/naming"
)

// NextOffset scans used, the sorted or unsorted set of currently
// allocated offsets under a tenant, and returns the smallest unused
// value in [naming.MinOffset, naming.MaxOffset]. It fails with
// NoAddressSpace when the range is exhausted.
func NextOffset(used []uint8) (uint8, error) {
	inUse := make(map[uint8]bool, len(used))
	for _, o := range used {
		inUse[o] = true
	}
	for o := naming.MinOffset; o <= naming.MaxOffset; o++ {
		if !inUse[uint8(o)] {
			return uint8(o), nil
		}
	}
	return 0, ferr.New(ferr.NoAddressSpace, "NextOffset", "tenant subnet exhausted")
}

// SortedOffsets returns used sorted ascending, useful for producing
// stable audit output and for the allocator-monotonicity test.
func SortedOffsets(used []uint8) []uint8 {
	out := make([]uint8, len(used))
	copy(out, used)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
