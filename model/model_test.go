package model

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/corticalstack/rish-harmonize/rishglm"
	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/twostage"
	"github.com/corticalstack/rish-harmonize/voxel"
)

func constScalar(v float64, dims [3]int) *voxel.Scalar3D {
	s := voxel.NewScalar3D(dims, [3]float64{1, 1, 1})
	for i := range s.Data {
		s.Data[i] = v
	}
	return s
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// fitTwoStage fits a reference-site covariate model and builds its
// reference template from the adjusted cohort, mirroring what
// harmonize.go's BuildTemplate does in one step.
func fitTwoStage(t *testing.T) (*twostage.Model, map[int]*voxel.Scalar3D) {
	dims := [3]int{1, 1, 1}
	ages := []float64{20, 30, 40, 50}
	var subjects []map[int]*voxel.Scalar3D
	for _, age := range ages {
		subjects = append(subjects, map[int]*voxel.Scalar3D{0: constScalar(5+0.1*age, dims)})
	}
	mdl, err := twostage.Fit(subjects, map[string][]float64{"age": ages})
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}

	var adjusted []map[int]*voxel.Scalar3D
	for i, age := range ages {
		adj, err := mdl.Adjust(subjects[i], map[string]float64{"age": age})
		if err != nil {
			t.Fatalf("Adjust error: %v", err)
		}
		adjusted = append(adjusted, adj)
	}
	template, err := twostage.BuildTemplate(adjusted)
	if err != nil {
		t.Fatalf("BuildTemplate error: %v", err)
	}
	return mdl, template
}

func TestTransitionGuardsIllegalJumps(t *testing.T) {
	mdl, template := fitTwoStage(t)
	h := NewTwoStage(mdl, template, 0, "")
	if err := h.Transition(Loaded); err == nil {
		t.Fatal("expected error transitioning Fitted -> Loaded")
	}
}

func TestApplyRequiresFittedOrLoaded(t *testing.T) {
	h := &Handle{Kind: KindTwoStage, state: Unfit}
	if _, err := h.Apply(nil, "", nil); err == nil {
		t.Fatal("expected ErrModelMismatch from Unfit state")
	}
}

func TestSaveLoadTwoStageRoundtrip(t *testing.T) {
	mdl, template := fitTwoStage(t)
	h := NewTwoStage(mdl, template, 0, "/masks/brain.nii")

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "model.json")
	if err := Save(h, jsonPath); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Kind != KindTwoStage {
		t.Fatalf("Kind = %v, want KindTwoStage", loaded.Kind)
	}
	if loaded.MaskPath != "/masks/brain.nii" {
		t.Fatalf("MaskPath = %q", loaded.MaskPath)
	}
	for ell, coefs := range mdl.BetaCoefficients() {
		gotCoefs := loaded.twoStage.BetaCoefficients()[ell]
		for j, img := range coefs {
			for v, want := range img.Data {
				if math.Abs(gotCoefs[j].Data[v]-want) > 1e-9 {
					t.Fatalf("order %d coef %d voxel %d = %v, want %v", ell, j, v, gotCoefs[j].Data[v], want)
				}
			}
		}
	}
	for ell, img := range template {
		gotTemplate := loaded.twoStage.Template[ell]
		for v, want := range img.Data {
			if math.Abs(gotTemplate.Data[v]-want) > 1e-9 {
				t.Fatalf("order %d template voxel %d = %v, want %v", ell, v, gotTemplate.Data[v], want)
			}
		}
	}
}

// TestApplyTwoStageBuildsScaleAgainstTemplate checks that Apply
// compares the subject's covariate-adjusted RISH against the model's
// reference template, not against the subject's own raw value.
func TestApplyTwoStageBuildsScaleAgainstTemplate(t *testing.T) {
	dims := [3]int{1, 1, 1}
	voxSize := [3]float64{1, 1, 1}

	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}

	// A covariate-free model makes Adjust an identity, isolating the
	// scale-map step: reference template RISH = 2.0, subject raw RISH
	// = 4.0 (coefficient 2.0 squared), so the expected scale is
	// sqrt(template/raw) = sqrt(0.5), never 1.0 (the raw/raw ratio the
	// old implementation produced).
	template := map[int]*voxel.Scalar3D{0: constScalar(2.0, dims)}
	mdl, err := twostage.Fit([]map[int]*voxel.Scalar3D{
		{0: constScalar(1.0, dims)},
		{0: constScalar(1.0, dims)},
	}, nil)
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	h := NewTwoStage(mdl, template, 0, "")

	img := voxel.NewImage(dims, idx.NVolumes, voxSize)
	img.Data[0] = 2.0

	scales, err := h.Apply(img, "", nil)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	want := math.Sqrt(2.0 / 4.0)
	got := scales[0].Data[0]
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("scale = %v, want %v", got, want)
	}
}

func TestApplyTwoStageRequiresTemplate(t *testing.T) {
	mdl, err := twostage.Fit([]map[int]*voxel.Scalar3D{
		{0: constScalar(1.0, [3]int{1, 1, 1})},
		{0: constScalar(1.0, [3]int{1, 1, 1})},
	}, nil)
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	h := NewTwoStage(mdl, nil, 0, "")

	idx, err := shindex.Build(0)
	if err != nil {
		t.Fatalf("shindex.Build error: %v", err)
	}
	img := voxel.NewImage([3]int{1, 1, 1}, idx.NVolumes, [3]float64{1, 1, 1})
	if _, err := h.Apply(img, "", nil); err == nil {
		t.Fatal("expected error applying a model with no reference template")
	}
}

func TestSaveLoadRISHGLMRoundtrip(t *testing.T) {
	dims := [3]int{1, 1, 1}
	sites := append(repeat("ref", 5), repeat("tar", 5)...)
	rishData := map[string]map[int][]*voxel.Scalar3D{
		"ref": {0: repeatScalar(5, 1.0, dims)},
		"tar": {0: repeatScalar(5, 0.8, dims)},
	}
	mdl, err := rishglm.Fit(rishData, sites, nil, "ref")
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	h := NewRISHGLM(mdl, 0, "")

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "model.json")
	if err := Save(h, jsonPath); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Kind != KindRISHGLM {
		t.Fatalf("Kind = %v, want KindRISHGLM", loaded.Kind)
	}
	if loaded.rishGLM.ReferenceSite != "ref" {
		t.Fatalf("ReferenceSite = %q, want ref", loaded.rishGLM.ReferenceSite)
	}
}

func repeatScalar(n int, v float64, dims [3]int) []*voxel.Scalar3D {
	out := make([]*voxel.Scalar3D, n)
	for i := range out {
		out[i] = constScalar(v, dims)
	}
	return out
}
