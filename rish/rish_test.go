package rish

import (
	"math"
	"testing"

	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/voxel"
)

func TestExtractNonNegativeAndZero(t *testing.T) {
	idx, err := shindex.Build(2)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	dims := [3]int{2, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	// Voxel 0: all zero coefficients. Voxel 1: nonzero l=2 coefficients.
	for k := 0; k < idx.NVolumes; k++ {
		sh.Data[1*idx.NVolumes+k] = float64(k + 1)
	}

	maps, err := Extract(sh, idx, nil)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if maps[0].Data[0] != 0 || maps[2].Data[0] != 0 {
		t.Fatalf("voxel 0 should be all-zero RISH, got l0=%v l2=%v", maps[0].Data[0], maps[2].Data[0])
	}
	for l, img := range maps {
		for _, v := range img.Data {
			if v < 0 {
				t.Fatalf("RISH order %d has negative value %v", l, v)
			}
		}
	}
	if maps[2].Data[1] <= 0 {
		t.Fatalf("voxel 1 order 2 RISH should be positive, got %v", maps[2].Data[1])
	}
}

func TestExtractMatchesManualSum(t *testing.T) {
	idx, _ := shindex.Build(4)
	dims := [3]int{1, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	for k := 0; k < idx.NVolumes; k++ {
		sh.Data[k] = float64(k)
	}
	maps, err := Extract(sh, idx, nil)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	start, end, _ := idx.Slice(4)
	want := 0.0
	for k := start; k < end; k++ {
		want += float64(k) * float64(k)
	}
	if math.Abs(maps[4].Data[0]-want) > 1e-9 {
		t.Fatalf("order 4 RISH = %v, want %v", maps[4].Data[0], want)
	}
}

func TestExtractInvalidSH(t *testing.T) {
	idx, _ := shindex.Build(8) // expects 45 volumes
	sh := voxel.NewImage([3]int{1, 1, 1}, 10, [3]float64{1, 1, 1})
	if _, err := Extract(sh, idx, nil); err == nil {
		t.Fatal("expected ErrInvalidSH")
	}
}

func TestExtractOrderedSortedAscending(t *testing.T) {
	idx, _ := shindex.Build(6)
	sh := voxel.NewImage([3]int{1, 1, 1}, idx.NVolumes, [3]float64{1, 1, 1})
	ordered, err := ExtractOrdered(sh, idx, nil)
	if err != nil {
		t.Fatalf("ExtractOrdered error: %v", err)
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Order <= ordered[i-1].Order {
			t.Fatalf("orders not ascending: %v", ordered)
		}
	}
}

func TestExtractRespectsMask(t *testing.T) {
	idx, _ := shindex.Build(0)
	dims := [3]int{2, 1, 1}
	sh := voxel.NewImage(dims, idx.NVolumes, [3]float64{1, 1, 1})
	sh.Data[0] = 5
	sh.Data[1] = 7
	mask := &voxel.Mask{Dims: dims, Data: []bool{true, false}}
	maps, err := Extract(sh, idx, mask)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if maps[0].Data[0] != 25 {
		t.Fatalf("masked-in voxel wrong: %v", maps[0].Data[0])
	}
	if maps[0].Data[1] != 0 {
		t.Fatalf("masked-out voxel should be zero, got %v", maps[0].Data[1])
	}
}
