package rescale

import (
	"math"
	"testing"

	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/voxel"
)

func identityScales(idx *shindex.Index, dims [3]int) map[int]*voxel.Scalar3D {
	out := make(map[int]*voxel.Scalar3D, len(idx.Orders))
	for _, ell := range idx.Orders {
		s := voxel.NewScalar3D(dims, [3]float64{1, 1, 1})
		for i := range s.Data {
			s.Data[i] = 1.0
		}
		out[ell] = s
	}
	return out
}

func TestApplyIdentityScalesPreservesData(t *testing.T) {
	idx, _ := shindex.Build(4)
	dims := [3]int{2, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	for i := range sh.Data {
		sh.Data[i] = float64(i + 1)
	}

	out, err := Apply(sh, idx, identityScales(idx, dims), 4)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	for i := range sh.Data {
		if math.Abs(out.Data[i]-sh.Data[i]) > 1e-9 {
			t.Fatalf("Apply with identity scales changed data at %d: got %v want %v", i, out.Data[i], sh.Data[i])
		}
	}
}

func TestApplyScalesEachOrderIndependently(t *testing.T) {
	idx, _ := shindex.Build(2)
	dims := [3]int{1, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	for k := range idx.NVolumes {
		sh.Data[k] = 1.0
	}

	scales := map[int]*voxel.Scalar3D{
		0: scalarConst(2.0, dims),
		2: scalarConst(3.0, dims),
	}
	out, err := Apply(sh, idx, scales, 2)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	start0, end0, _ := idx.Slice(0)
	for k := start0; k < end0; k++ {
		if out.Data[k] != 2.0 {
			t.Fatalf("order 0 coeff %d = %v, want 2.0", k, out.Data[k])
		}
	}
	start2, end2, _ := idx.Slice(2)
	for k := start2; k < end2; k++ {
		if out.Data[k] != 3.0 {
			t.Fatalf("order 2 coeff %d = %v, want 3.0", k, out.Data[k])
		}
	}
}

func TestApplyMissingScaleErrors(t *testing.T) {
	idx, _ := shindex.Build(2)
	dims := [3]int{1, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	scales := map[int]*voxel.Scalar3D{0: scalarConst(1.0, dims)}
	if _, err := Apply(sh, idx, scales, 2); err == nil {
		t.Fatal("expected ErrMissingScale for order 2")
	}
}

func scalarConst(v float64, dims [3]int) *voxel.Scalar3D {
	s := voxel.NewScalar3D(dims, [3]float64{1, 1, 1})
	for i := range s.Data {
		s.Data[i] = v
	}
	return s
}
