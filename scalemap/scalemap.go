// Package scalemap turns a pair of reference/target RISH energy maps
// into a smoothed, clipped voxelwise scale factor.
package scalemap

import (
	"fmt"

	"github.com/corticalstack/rish-harmonize/voxel"
)

// Options configures scale-map construction.
type Options struct {
	SqrtMode      bool // take sqrt(ratio) instead of the raw ratio
	FWHM          float64
	ClipLo, ClipHi float64
	Epsilon       float64
}

// DefaultOptions returns the default scale-map construction options.
func DefaultOptions() Options {
	return Options{
		SqrtMode: true,
		FWHM:     3.0,
		ClipLo:   0.5,
		ClipHi:   2.0,
		Epsilon:  1e-6,
	}
}

// Build computes reference/target, optionally takes its square root,
// smooths with a Gaussian kernel, clips to [ClipLo, ClipHi], then
// applies mask, in that strict order.
func Build(reference, target *voxel.Scalar3D, mask *voxel.Mask, opt Options) (*voxel.Scalar3D, error) {
	if reference == nil || target == nil {
		return nil, fmt.Errorf("scalemap: nil reference or target map")
	}
	if reference.Dims != target.Dims {
		return nil, fmt.Errorf("scalemap: dims mismatch %v vs %v", reference.Dims, target.Dims)
	}

	ratio, err := reference.Div(target, opt.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("scalemap: %w", err)
	}
	if opt.SqrtMode {
		ratio = ratio.Sqrt()
	}

	smoothed := ratio.GaussianSmooth(opt.FWHM)
	clipped := smoothed.Clip(opt.ClipLo, opt.ClipHi)

	if mask == nil {
		return clipped, nil
	}
	masked, err := clipped.ApplyMask(mask)
	if err != nil {
		return nil, fmt.Errorf("scalemap: %w", err)
	}
	return masked, nil
}
