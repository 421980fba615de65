package abr

import (
	"cmp"
	"slices"

	"github.com/jmylchreest/abrplay/internal/media"
)

// DefaultSafetyFactor scales the throughput estimate before comparing it
// with representation bandwidths.
const DefaultSafetyFactor = 0.75

// Select picks the representation to download next.
//
// Without an estimate the lowest bandwidth entry is returned. Otherwise the
// highest bandwidth entry not exceeding est*safetyFactor wins, falling back
// to the lowest. Entries with equal bandwidth resolve to the one listed first
// in the catalog. Select returns nil for an empty catalog.
func Select(catalog []*media.Representation, est Estimate, safetyFactor float64) *media.Representation {
	if len(catalog) == 0 {
		return nil
	}

	ladder := Ladder(catalog)
	chosen := ladder[0]
	if !est.Valid {
		return chosen
	}

	target := est.BitsPerSecond * safetyFactor
	for _, r := range ladder[1:] {
		if float64(r.Bandwidth) > target {
			break
		}
		if r.Bandwidth > chosen.Bandwidth {
			chosen = r
		}
	}
	return chosen
}

// Ladder returns the catalog sorted by ascending bandwidth, preserving
// catalog order between equal bandwidths.
func Ladder(catalog []*media.Representation) []*media.Representation {
	ladder := slices.Clone(catalog)
	slices.SortStableFunc(ladder, func(a, b *media.Representation) int {
		return cmp.Compare(a.Bandwidth, b.Bandwidth)
	})
	return ladder
}
