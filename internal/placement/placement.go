// Package placement picks the adults that hold a piece of data.
package placement

import (
	"sort"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// DataCopyCount is how many non-full adults hold each item.
const DataCopyCount = 4

// Holders returns the adults responsible for target: the copyCount closest
// adults that are not full, plus any full adult closer than the closest of
// those. With no non-full adults every full adult is a holder.
func Holders(target xorname.XorName, adults []xorname.XorName, full map[xorname.XorName]bool, copyCount int) []xorname.XorName {
	sorted := append([]xorname.XorName(nil), adults...)
	sort.Slice(sorted, func(i, j int) bool { return target.CmpDistance(sorted[i], sorted[j]) < 0 })

	var candidates, fullAdults []xorname.XorName
	for _, a := range sorted {
		if full[a] {
			fullAdults = append(fullAdults, a)
			continue
		}
		if len(candidates) < copyCount {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return fullAdults
	}
	closest := candidates[0]
	holders := candidates
	for _, f := range fullAdults {
		if target.CmpDistance(f, closest) < 0 {
			holders = append(holders, f)
		}
	}
	return holders
}

// Closest orders names by distance to target and keeps the first n.
func Closest(target xorname.XorName, names []xorname.XorName, n int) []xorname.XorName {
	sorted := append([]xorname.XorName(nil), names...)
	sort.Slice(sorted, func(i, j int) bool { return target.CmpDistance(sorted[i], sorted[j]) < 0 })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
