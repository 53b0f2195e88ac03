package voxel

import (
	"math"
	"testing"
)

func TestSliceAndConcatRoundTrip(t *testing.T) {
	dims := [3]int{2, 2, 1}
	vox := [3]float64{1, 1, 1}
	im := NewImage(dims, 5, vox)
	for v := range im.nvoxels() {
		for k := range 5 {
			im.Data[v*5+k] = float64(v*10 + k)
		}
	}

	a := im.SliceVolumes(0, 2)
	b := im.SliceVolumes(2, 5)
	cat, err := ConcatVolumes(a, b)
	if err != nil {
		t.Fatalf("ConcatVolumes error: %v", err)
	}
	for i := range im.Data {
		if cat.Data[i] != im.Data[i] {
			t.Fatalf("roundtrip mismatch at %d: got %v want %v", i, cat.Data[i], im.Data[i])
		}
	}
}

func TestScalarArithmetic(t *testing.T) {
	dims := [3]int{2, 1, 1}
	a := NewScalar3D(dims, [3]float64{1, 1, 1})
	b := NewScalar3D(dims, [3]float64{1, 1, 1})
	a.Data = []float64{4, 9}
	b.Data = []float64{2, 3}

	mul, _ := a.Mul(b)
	if mul.Data[0] != 8 || mul.Data[1] != 27 {
		t.Fatalf("Mul = %v", mul.Data)
	}

	div, _ := a.Div(b, 1e-6)
	if div.Data[0] != 2 || div.Data[1] != 3 {
		t.Fatalf("Div = %v", div.Data)
	}

	sq := a.Sqrt()
	if sq.Data[0] != 2 || sq.Data[1] != 3 {
		t.Fatalf("Sqrt = %v", sq.Data)
	}

	clipped := a.Clip(5, 8)
	if clipped.Data[0] != 5 || clipped.Data[1] != 8 {
		t.Fatalf("Clip = %v", clipped.Data)
	}
}

func TestDivEpsFloor(t *testing.T) {
	dims := [3]int{1, 1, 1}
	a := NewScalar3D(dims, [3]float64{1, 1, 1})
	b := NewScalar3D(dims, [3]float64{1, 1, 1})
	a.Data[0] = 1.0
	b.Data[0] = 0.0
	div, _ := a.Div(b, 1e-6)
	if math.IsInf(div.Data[0], 1) || math.IsNaN(div.Data[0]) {
		t.Fatalf("Div should floor denominator, got %v", div.Data[0])
	}
}

func TestApplyMask(t *testing.T) {
	dims := [3]int{2, 1, 1}
	s := NewScalar3D(dims, [3]float64{1, 1, 1})
	s.Data = []float64{3, 4}
	mask := &Mask{Dims: dims, Data: []bool{true, false}}
	out, err := s.ApplyMask(mask)
	if err != nil {
		t.Fatalf("ApplyMask error: %v", err)
	}
	if out.Data[0] != 3 || out.Data[1] != 0 {
		t.Fatalf("ApplyMask = %v", out.Data)
	}
}

func TestMeanImagesOrderIndependent(t *testing.T) {
	dims := [3]int{2, 1, 1}
	vox := [3]float64{1, 1, 1}
	a := NewScalar3D(dims, vox)
	a.Data = []float64{1, 3}
	b := NewScalar3D(dims, vox)
	b.Data = []float64{3, 9}
	c := NewScalar3D(dims, vox)
	c.Data = []float64{5, 15}

	m1, _ := MeanImages([]*Scalar3D{a, b, c})
	m2, _ := MeanImages([]*Scalar3D{c, a, b})
	for i := range m1.Data {
		if math.Abs(m1.Data[i]-m2.Data[i]) > 1e-12 {
			t.Fatalf("mean depends on order: %v vs %v", m1.Data, m2.Data)
		}
	}
	if math.Abs(m1.Data[0]-3) > 1e-12 {
		t.Fatalf("mean = %v, want 3", m1.Data[0])
	}
}

func TestGaussianSmoothPreservesConstant(t *testing.T) {
	dims := [3]int{5, 5, 5}
	vox := [3]float64{1, 1, 1}
	s := NewScalar3D(dims, vox)
	for i := range s.Data {
		s.Data[i] = 7.0
	}
	smoothed := s.GaussianSmooth(3.0)
	for i, v := range smoothed.Data {
		if math.Abs(v-7.0) > 1e-9 {
			t.Fatalf("smoothing a constant field changed value at %d: %v", i, v)
		}
	}
}

func TestGaussianSmoothNoOp(t *testing.T) {
	dims := [3]int{3, 3, 3}
	s := NewScalar3D(dims, [3]float64{1, 1, 1})
	for i := range s.Data {
		s.Data[i] = float64(i)
	}
	out := s.GaussianSmooth(0)
	for i := range s.Data {
		if out.Data[i] != s.Data[i] {
			t.Fatalf("non-positive FWHM should be a no-op")
		}
	}
}

func TestConcatDimMismatch(t *testing.T) {
	a := NewImage([3]int{2, 2, 1}, 1, [3]float64{1, 1, 1})
	b := NewImage([3]int{2, 2, 2}, 1, [3]float64{1, 1, 1})
	if _, err := ConcatVolumes(a, b); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
