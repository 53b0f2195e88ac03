// Package vizdebug renders single-slice PNG previews of harmonization
// intermediates: scalar field heatmaps and categorical site-label
// swatches. It is a diagnostic aid, not a report generator.
package vizdebug

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/corticalstack/rish-harmonize/utils"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// ColorizeScalarSlice renders one axial slice (at the given z) of a
// scalar field as a diverging blue-white-red heatmap, clamped to
// [lo, hi].
func ColorizeScalarSlice(s *voxel.Scalar3D, z int, lo, hi float64) (image.Image, error) {
	if z < 0 || z >= s.Dims[2] {
		return nil, fmt.Errorf("vizdebug: z=%d out of range [0,%d)", z, s.Dims[2])
	}
	if hi <= lo {
		return nil, fmt.Errorf("vizdebug: hi (%v) must be greater than lo (%v)", hi, lo)
	}

	width, height := s.Dims[0], s.Dims[1]
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	low := colorful.Color{R: 0.1, G: 0.2, B: 0.85}
	mid := colorful.Color{R: 1, G: 1, B: 1}
	high := colorful.Color{R: 0.85, G: 0.1, B: 0.1}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := x + y*s.Dims[0] + z*s.Dims[0]*s.Dims[1]
			v := s.Data[idx]
			t := (v - lo) / (hi - lo)
			if t < 0 {
				t = 0
			}
			if t > 1 {
				t = 1
			}

			var c colorful.Color
			if t < 0.5 {
				c = low.BlendLab(mid, t*2)
			} else {
				c = mid.BlendLab(high, (t-0.5)*2)
			}
			img.Set(x, y, c.Clamped())
		}
	}
	return img, nil
}

// ColorizeSiteLabels renders a 2-D grid of site-index assignments as
// flat categorical color swatches, one color per distinct site.
// assignment[i] indexes into the palette derived from labels;
// dims gives the (width, height) of the grid and len(assignment) must
// equal dims[0]*dims[1].
func ColorizeSiteLabels(labels []string, dims [2]int, assignment []int) (image.Image, error) {
	if len(assignment) != dims[0]*dims[1] {
		return nil, fmt.Errorf("vizdebug: assignment has %d entries, want %d", len(assignment), dims[0]*dims[1])
	}

	palette := utils.DiverseCategoricalPalette(len(labels))
	if len(palette) != len(labels) {
		return nil, fmt.Errorf("vizdebug: palette has %d colors, want %d for %d labels", len(palette), len(labels), len(labels))
	}

	img := image.NewRGBA(image.Rect(0, 0, dims[0], dims[1]))
	for y := 0; y < dims[1]; y++ {
		for x := 0; x < dims[0]; x++ {
			site := assignment[x+y*dims[0]]
			if site < 0 || site >= len(palette) {
				return nil, fmt.Errorf("vizdebug: assignment value %d out of range [0,%d)", site, len(palette))
			}
			c := palette[site]
			r, g, b := c.Clamped().RGB255()
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img, nil
}

// SaveSlicePNG writes img to filename as a PNG file.
func SaveSlicePNG(img image.Image, filename string) error {
	return utils.SaveImage(img, filename)
}
