// Package voxel provides the thin opaque-image abstraction the core
// numeric components compute over: a 4-D scalar field plus calc,
// smoothing and averaging primitives. It intentionally knows nothing
// about NIfTI/DICOM on disk — that is the external imaging toolkit's
// job (see project Non-goals).
package voxel

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimMismatch is returned when two images/masks do not share a grid.
var ErrDimMismatch = errors.New("voxel: dimension mismatch")

// Image is a 4-D scalar field: three spatial axes plus a trailing
// coefficient/volume axis. The volume axis varies fastest, so each
// voxel's coefficient vector is contiguous:
// index = ((z*Dims[1]+y)*Dims[0]+x)*NVol + v.
type Image struct {
	Dims    [3]int
	NVol    int
	VoxSize [3]float64
	Data    []float64
}

// NewImage allocates a zeroed image of the given grid and volume count.
func NewImage(dims [3]int, nvol int, voxSize [3]float64) *Image {
	n := dims[0] * dims[1] * dims[2] * nvol
	return &Image{Dims: dims, NVol: nvol, VoxSize: voxSize, Data: make([]float64, n)}
}

func (im *Image) nvoxels() int { return im.Dims[0] * im.Dims[1] * im.Dims[2] }

func (im *Image) offset(x, y, z int) int {
	return ((z*im.Dims[1]+y)*im.Dims[0] + x) * im.NVol
}

// At returns the volume vector at voxel (x,y,z).
func (im *Image) At(x, y, z int) []float64 {
	off := im.offset(x, y, z)
	return im.Data[off : off+im.NVol]
}

// SliceVolumes returns a new Image containing the half-open [start,end)
// range of the volume axis, preserving the grid and voxel size.
func (im *Image) SliceVolumes(start, end int) *Image {
	n := end - start
	out := NewImage(im.Dims, n, im.VoxSize)
	for v := range im.nvoxels() {
		srcOff := v*im.NVol + start
		dstOff := v * n
		copy(out.Data[dstOff:dstOff+n], im.Data[srcOff:srcOff+n])
	}
	return out
}

// ConcatVolumes concatenates images along the volume axis, in the
// order given. All parts must share Dims and VoxSize.
func ConcatVolumes(parts ...*Image) (*Image, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("voxel: ConcatVolumes requires at least one part")
	}
	dims := parts[0].Dims
	vox := parts[0].VoxSize
	totalVol := 0
	for _, p := range parts {
		if p.Dims != dims || p.VoxSize != vox {
			return nil, ErrDimMismatch
		}
		totalVol += p.NVol
	}
	out := NewImage(dims, totalVol, vox)
	nvoxels := out.nvoxels()
	for v := range nvoxels {
		dstOff := v * totalVol
		col := 0
		for _, p := range parts {
			srcOff := v * p.NVol
			copy(out.Data[dstOff+col:dstOff+col+p.NVol], p.Data[srcOff:srcOff+p.NVol])
			col += p.NVol
		}
	}
	return out, nil
}

// Scalar3D is a single-volume reduction of Image: the per-voxel
// invariants, scale maps and statistic maps all live in this shape.
type Scalar3D struct {
	Dims    [3]int
	VoxSize [3]float64
	Data    []float64
}

// NewScalar3D allocates a zeroed scalar field over the given grid.
func NewScalar3D(dims [3]int, voxSize [3]float64) *Scalar3D {
	return &Scalar3D{Dims: dims, VoxSize: voxSize, Data: make([]float64, dims[0]*dims[1]*dims[2])}
}

func (s *Scalar3D) sameGrid(o *Scalar3D) bool {
	return s.Dims == o.Dims
}

// Mask flags voxels inside the brain (or other region of interest).
type Mask struct {
	Dims [3]int
	Data []bool
}

func (m *Mask) sameGrid(dims [3]int) bool { return m.Dims == dims }

// Mul returns the voxelwise product s*o.
func (s *Scalar3D) Mul(o *Scalar3D) (*Scalar3D, error) {
	if !s.sameGrid(o) {
		return nil, ErrDimMismatch
	}
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i := range s.Data {
		out.Data[i] = s.Data[i] * o.Data[i]
	}
	return out, nil
}

// MulScalar returns the voxelwise product s*k.
func (s *Scalar3D) MulScalar(k float64) *Scalar3D {
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i := range s.Data {
		out.Data[i] = s.Data[i] * k
	}
	return out
}

// Sub returns the voxelwise difference s-o.
func (s *Scalar3D) Sub(o *Scalar3D) (*Scalar3D, error) {
	if !s.sameGrid(o) {
		return nil, ErrDimMismatch
	}
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i := range s.Data {
		out.Data[i] = s.Data[i] - o.Data[i]
	}
	return out, nil
}

// Div returns the voxelwise ratio s/max(o, eps).
func (s *Scalar3D) Div(o *Scalar3D, eps float64) (*Scalar3D, error) {
	if !s.sameGrid(o) {
		return nil, ErrDimMismatch
	}
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i := range s.Data {
		denom := o.Data[i]
		if denom < eps {
			denom = eps
		}
		out.Data[i] = s.Data[i] / denom
	}
	return out, nil
}

// Sqrt returns the voxelwise square root, clamped at 0 to avoid NaN
// from floating-point noise around zero.
func (s *Scalar3D) Sqrt() *Scalar3D {
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i, v := range s.Data {
		if v < 0 {
			v = 0
		}
		out.Data[i] = math.Sqrt(v)
	}
	return out
}

// Clip clamps every voxel into [lo, hi], returning a new field.
func (s *Scalar3D) Clip(lo, hi float64) *Scalar3D {
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i, v := range s.Data {
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		out.Data[i] = v
	}
	return out
}

// ApplyMask zeroes every voxel outside the mask, returning a new field.
func (s *Scalar3D) ApplyMask(mask *Mask) (*Scalar3D, error) {
	if mask == nil {
		return s, nil
	}
	if !mask.sameGrid(s.Dims) {
		return nil, ErrDimMismatch
	}
	out := NewScalar3D(s.Dims, s.VoxSize)
	for i, v := range s.Data {
		if mask.Data[i] {
			out.Data[i] = v
		}
	}
	return out, nil
}

// MeanImages averages a set of scalar fields voxelwise. The result does
// not depend on input order (commutative mean, as required for
// parallel per-subject template aggregation).
func MeanImages(images []*Scalar3D) (*Scalar3D, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("voxel: MeanImages requires at least one image")
	}
	dims := images[0].Dims
	voxSize := images[0].VoxSize
	for _, im := range images {
		if im.Dims != dims {
			return nil, ErrDimMismatch
		}
	}
	out := NewScalar3D(dims, voxSize)
	n := float64(len(images))
	for _, im := range images {
		for i, v := range im.Data {
			out.Data[i] += v / n
		}
	}
	return out, nil
}

// GaussianSmooth applies a separable 3-D Gaussian blur with the given
// FWHM in millimetres, converting to a per-axis sigma-in-voxels via
// VoxSize. A non-positive FWHM is a no-op (returns a copy).
func (s *Scalar3D) GaussianSmooth(fwhmMM float64) *Scalar3D {
	if fwhmMM <= 0 {
		out := NewScalar3D(s.Dims, s.VoxSize)
		copy(out.Data, s.Data)
		return out
	}
	const fwhmToSigma = 1.0 / 2.3548200450309493 // 2*sqrt(2*ln2)
	sigmaMM := fwhmMM * fwhmToSigma

	cur := s.Data
	for axis := 0; axis < 3; axis++ {
		voxSigma := sigmaMM / s.VoxSize[axis]
		cur = separableBlurAxis(cur, s.Dims, axis, voxSigma)
	}
	out := NewScalar3D(s.Dims, s.VoxSize)
	out.Data = cur
	return out
}

// gaussianKernel1D builds a normalized 1-D Gaussian kernel truncated at
// +/- 3 sigma, matching the windowed-accumulation idiom used elsewhere
// in this module for bounded local averages.
func gaussianKernel1D(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1.0}
	}
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func separableBlurAxis(data []float64, dims [3]int, axis int, sigma float64) []float64 {
	kernel := gaussianKernel1D(sigma)
	radius := len(kernel) / 2
	out := make([]float64, len(data))

	nx, ny, nz := dims[0], dims[1], dims[2]
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }

	axisLen := [3]int{nx, ny, nz}[axis]

	for z := range nz {
		for y := range ny {
			for x := range nx {
				var acc, wsum float64
				base := [3]int{x, y, z}
				for k := -radius; k <= radius; k++ {
					p := base[axis] + k
					if p < 0 || p >= axisLen {
						continue
					}
					pos := base
					pos[axis] = p
					w := kernel[k+radius]
					acc += w * data[idx(pos[0], pos[1], pos[2])]
					wsum += w
				}
				if wsum > 0 {
					acc /= wsum
				}
				out[idx(x, y, z)] = acc
			}
		}
	}
	return out
}
