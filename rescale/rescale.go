// Package rescale applies a per-order voxelwise scale map back onto
// the full spherical-harmonic coefficient volume.
package rescale

import (
	"fmt"

	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// ErrMissingScale names the order for which no scale map was supplied.
type ErrMissingScale struct {
	Order int
}

func (e *ErrMissingScale) Error() string {
	return fmt.Sprintf("rescale: missing scale map for order %d", e.Order)
}

// Apply multiplies every coefficient volume at even order l <= lmax by
// its scale map, broadcasting the scalar field across the 2l+1
// coefficients at that order, then concatenates the result back into
// a single SH image in order.
func Apply(sh *voxel.Image, idx *shindex.Index, scales map[int]*voxel.Scalar3D, lmax int) (*voxel.Image, error) {
	if sh.NVol != idx.NVolumes {
		return nil, fmt.Errorf("rescale: sh has %d volumes, index expects %d", sh.NVol, idx.NVolumes)
	}

	var parts []*voxel.Image
	for _, ell := range idx.Orders {
		if ell > lmax {
			continue
		}
		start, end, err := idx.Slice(ell)
		if err != nil {
			return nil, err
		}
		block := sh.SliceVolumes(start, end)

		s, ok := scales[ell]
		if !ok {
			return nil, &ErrMissingScale{Order: ell}
		}
		scaled, err := broadcastMul(block, s)
		if err != nil {
			return nil, fmt.Errorf("rescale: order %d: %w", ell, err)
		}
		parts = append(parts, scaled)
	}

	return voxel.ConcatVolumes(parts...)
}

// broadcastMul multiplies every coefficient of block at each voxel by
// that voxel's scalar factor.
func broadcastMul(block *voxel.Image, s *voxel.Scalar3D) (*voxel.Image, error) {
	if block.Dims != s.Dims {
		return nil, voxel.ErrDimMismatch
	}
	out := voxel.NewImage(block.Dims, block.NVol, block.VoxSize)
	nvox := len(s.Data)
	for v := range nvox {
		factor := s.Data[v]
		srcOff := v * block.NVol
		dstOff := v * block.NVol
		for k := range block.NVol {
			out.Data[dstOff+k] = block.Data[srcOff+k] * factor
		}
	}
	return out, nil
}
