package harmonize

import (
	"math"
	"testing"

	"github.com/corticalstack/rish-harmonize/scalemap"
	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/voxel"
)

func fullMask(dims [3]int) *voxel.Mask {
	m := &voxel.Mask{Dims: dims, Data: make([]bool, dims[0]*dims[1]*dims[2])}
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

func constSHImage(idx *shindex.Index, dims [3]int, voxSize [3]float64, value float64) *voxel.Image {
	img := voxel.NewImage(dims, idx.NVolumes, voxSize)
	for i := range img.Data {
		img.Data[i] = value
	}
	return img
}

func TestBuildTemplateAveragesAcrossSubjects(t *testing.T) {
	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}
	dims := [3]int{2, 2, 2}
	voxSize := [3]float64{1, 1, 1}
	mask := fullMask(dims)

	ages := []float64{20, 30, 40, 50}
	var images []*voxel.Image
	var masks []*voxel.Mask
	for range ages {
		images = append(images, constSHImage(idx, dims, voxSize, 2.0))
		masks = append(masks, mask)
	}

	h := &Harmonizer{Lmax: 0, ScaleMapOptions: scalemap.DefaultOptions()}
	template, err := h.BuildTemplate(images, masks, map[string][]float64{"age": ages})
	if err != nil {
		t.Fatalf("BuildTemplate error: %v", err)
	}
	order0, ok := template[0]
	if !ok {
		t.Fatal("template missing order 0")
	}
	for _, v := range order0.Data {
		if math.IsNaN(v) {
			t.Fatal("template contains NaN")
		}
	}
}

func TestBuildTemplateMismatchedMasksErrors(t *testing.T) {
	h := &Harmonizer{Lmax: 0}
	_, err := h.BuildTemplate(nil, []*voxel.Mask{{}}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched image/mask counts")
	}
}

func TestHarmonizeSubjectAppliesScale(t *testing.T) {
	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}
	dims := [3]int{2, 2, 2}
	voxSize := [3]float64{1, 1, 1}
	mask := fullMask(dims)

	target := constSHImage(idx, dims, voxSize, 1.0)
	reference := map[int]*voxel.Scalar3D{
		0: constScalar(dims, voxSize, 4.0),
	}

	h := &Harmonizer{Lmax: 0, ScaleMapOptions: scalemap.Options{
		SqrtMode: false, FWHM: 0, ClipLo: 0, ClipHi: 100, Epsilon: 1e-6,
	}}
	out, err := h.HarmonizeSubject(target, mask, reference, nil)
	if err != nil {
		t.Fatalf("HarmonizeSubject error: %v", err)
	}
	for _, v := range out.Data {
		if math.Abs(v-4.0) > 1e-6 {
			t.Fatalf("harmonized coefficient = %v, want ~4.0 (scale factor 4/1)", v)
		}
	}
}

func constScalar(dims [3]int, voxSize [3]float64, v float64) *voxel.Scalar3D {
	s := voxel.NewScalar3D(dims, voxSize)
	for i := range s.Data {
		s.Data[i] = v
	}
	return s
}

// TestHarmonizeSubjectAdjustsForCovariates checks that a covariates
// map supplied to HarmonizeSubject actually changes the outcome: a
// subject with a large age-correlated RISH offset should harmonize
// differently once that offset is regressed out against the
// reference-site model BuildTemplate fitted, versus harmonizing its
// raw RISH energy directly.
func TestHarmonizeSubjectAdjustsForCovariates(t *testing.T) {
	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}
	dims := [3]int{1, 1, 1}
	voxSize := [3]float64{1, 1, 1}
	mask := fullMask(dims)

	ages := []float64{20, 30, 40, 50}
	const slope, base = 0.1, 5.0
	var images []*voxel.Image
	var masks []*voxel.Mask
	for _, age := range ages {
		c := math.Sqrt(base + slope*age)
		images = append(images, constSHImage(idx, dims, voxSize, c))
		masks = append(masks, mask)
	}

	h := &Harmonizer{Lmax: 0, ScaleMapOptions: scalemap.Options{
		SqrtMode: false, FWHM: 0, ClipLo: 0, ClipHi: 1000, Epsilon: 1e-6,
	}}
	template, err := h.BuildTemplate(images, masks, map[string][]float64{"age": ages})
	if err != nil {
		t.Fatalf("BuildTemplate error: %v", err)
	}
	if h.RefModel == nil {
		t.Fatal("expected BuildTemplate to set h.RefModel")
	}

	const targetAge = 80.0
	targetCoeff := math.Sqrt(base + slope*targetAge)
	target := constSHImage(idx, dims, voxSize, targetCoeff)

	outRaw, err := h.HarmonizeSubject(target, mask, template, nil)
	if err != nil {
		t.Fatalf("HarmonizeSubject (no covariates) error: %v", err)
	}
	outAdjusted, err := h.HarmonizeSubject(target, mask, template, map[string]float64{"age": targetAge})
	if err != nil {
		t.Fatalf("HarmonizeSubject (with covariates) error: %v", err)
	}

	for i := range outRaw.Data {
		if math.Abs(outRaw.Data[i]-outAdjusted.Data[i]) < 1e-6 {
			t.Fatalf("covariate adjustment had no effect on harmonized output: raw=%v adjusted=%v", outRaw.Data[i], outAdjusted.Data[i])
		}
	}
}

func TestHarmonizeSubjectRequiresRefModelForCovariates(t *testing.T) {
	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}
	dims := [3]int{1, 1, 1}
	voxSize := [3]float64{1, 1, 1}
	mask := fullMask(dims)

	target := constSHImage(idx, dims, voxSize, 1.0)
	reference := map[int]*voxel.Scalar3D{0: constScalar(dims, voxSize, 1.0)}

	h := &Harmonizer{Lmax: 0, ScaleMapOptions: scalemap.DefaultOptions()}
	if _, err := h.HarmonizeSubject(target, mask, reference, map[string]float64{"age": 40}); err == nil {
		t.Fatal("expected error requesting covariate adjustment with no fitted reference model")
	}
}
