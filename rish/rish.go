// Package rish computes rotationally-invariant spherical-harmonic
// (RISH) energy features from an SH coefficient image.
package rish

import (
	"errors"
	"fmt"

	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// ErrInvalidSH is returned when the SH image's volume count is not a
// triangular number matching the supplied index's lmax.
var ErrInvalidSH = errors.New("rish: SH volume count is not a triangular number")

// Extract computes R_l(v) = sum_m c_lm(v)^2 for every even order l
// present in idx, masking outside the brain if mask is non-nil.
// Order of extraction never reorders the input coefficient axis.
func Extract(sh *voxel.Image, idx *shindex.Index, mask *voxel.Mask) (map[int]*voxel.Scalar3D, error) {
	if sh.NVol != idx.NVolumes {
		return nil, fmt.Errorf("%w: image has %d volumes, index expects %d", ErrInvalidSH, sh.NVol, idx.NVolumes)
	}

	out := make(map[int]*voxel.Scalar3D, len(idx.Orders))
	for _, l := range idx.Orders {
		start, end, err := idx.Slice(l)
		if err != nil {
			return nil, err
		}
		r := voxel.NewScalar3D(sh.Dims, sh.VoxSize)
		for v := range sh.Dims[0] * sh.Dims[1] * sh.Dims[2] {
			coeffs := sh.Data[v*sh.NVol+start : v*sh.NVol+end]
			sum := 0.0
			for _, c := range coeffs {
				sum += c * c
			}
			r.Data[v] = sum
		}
		if mask != nil {
			masked, err := r.ApplyMask(mask)
			if err != nil {
				return nil, fmt.Errorf("rish: masking order %d: %w", l, err)
			}
			r = masked
		}
		out[l] = r
	}
	return out, nil
}

// OrderMap pairs an SH order with its RISH feature image, used by
// ExtractOrdered for callers that need deterministic iteration beyond
// Go's unordered map ranging.
type OrderMap struct {
	Order int
	RISH  *voxel.Scalar3D
}

// ExtractOrdered behaves like Extract but returns results sorted by
// ascending SH order.
func ExtractOrdered(sh *voxel.Image, idx *shindex.Index, mask *voxel.Mask) ([]OrderMap, error) {
	byOrder, err := Extract(sh, idx, mask)
	if err != nil {
		return nil, err
	}
	out := make([]OrderMap, 0, len(idx.Orders))
	for _, l := range idx.Orders {
		out = append(out, OrderMap{Order: l, RISH: byOrder[l]})
	}
	return out, nil
}
