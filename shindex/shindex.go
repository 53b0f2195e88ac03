// Package shindex maps spherical-harmonic order to volume-index ranges.
package shindex

import (
	"errors"
	"fmt"
)

// ErrInvalidLmax is returned when lmax is odd or negative.
var ErrInvalidLmax = errors.New("shindex: lmax must be even and non-negative")

// Index is the immutable mapping from SH order l to its half-open
// volume-index range [start, end) within an SH coefficient axis.
type Index struct {
	Lmax          int
	NVolumes      int
	Orders        []int         // even l, 0..Lmax, ascending
	Ranges        map[int][2]int
	CountPerOrder map[int]int
}

// Build constructs the SH index for the given maximum order.
func Build(lmax int) (*Index, error) {
	if lmax < 0 || lmax%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLmax, lmax)
	}

	orders := make([]int, 0, lmax/2+1)
	ranges := make(map[int][2]int, lmax/2+1)
	counts := make(map[int]int, lmax/2+1)

	start := 0
	for l := 0; l <= lmax; l += 2 {
		n := 2*l + 1
		ranges[l] = [2]int{start, start + n}
		counts[l] = n
		orders = append(orders, l)
		start += n
	}

	return &Index{
		Lmax:          lmax,
		NVolumes:      start,
		Orders:        orders,
		Ranges:        ranges,
		CountPerOrder: counts,
	}, nil
}

// InferLmax recovers the unique even lmax such that
// (lmax+1)(lmax+2)/2 == nVolumes, or fails if no such lmax exists.
func InferLmax(nVolumes int) (int, error) {
	if nVolumes <= 0 {
		return 0, fmt.Errorf("%w: non-positive volume count %d", ErrInvalidLmax, nVolumes)
	}
	for l := 0; ; l += 2 {
		n := (l+1)*(l+2)/2
		if n == nVolumes {
			return l, nil
		}
		if n > nVolumes {
			return 0, fmt.Errorf("shindex: %d volumes does not match any even lmax", nVolumes)
		}
	}
}

// Slice returns the half-open [start, end) range for order l.
func (idx *Index) Slice(l int) (start, end int, err error) {
	r, ok := idx.Ranges[l]
	if !ok {
		return 0, 0, fmt.Errorf("shindex: order %d not present for lmax=%d", l, idx.Lmax)
	}
	return r[0], r[1], nil
}
