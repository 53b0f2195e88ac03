// Package fdr provides multiple-comparison correction, permutation
// p-values, and effect-size conversions for voxel-wise hypothesis
// tests.
package fdr

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Tail selects which side of the permutation null distribution a
// p-value is computed against.
type Tail int

const (
	TailRight Tail = iota
	TailLeft
	TailTwo
)

type rankedP struct {
	p   float64
	idx int
}

// BenjaminiHochberg applies the standard BH step-up procedure.
// NaN inputs propagate to NaN outputs with significant=false and do
// not participate in the step-up comparison.
func BenjaminiHochberg(p []float64, alpha float64) ([]float64, float64, []bool) {
	return stepUp(p, alpha, 1.0)
}

// BenjaminiYekutieli applies the BY procedure, which is valid under
// arbitrary dependence at the cost of an additional harmonic-number
// correction factor.
func BenjaminiYekutieli(p []float64, alpha float64) ([]float64, float64, []bool) {
	m := countFinite(p)
	c := harmonicNumber(m)
	return stepUp(p, alpha, c)
}

func countFinite(p []float64) int {
	n := 0
	for _, v := range p {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func harmonicNumber(m int) float64 {
	c := 0.0
	for i := 1; i <= m; i++ {
		c += 1.0 / float64(i)
	}
	if c == 0 {
		return 1.0
	}
	return c
}

// stepUp implements BH (c=1) and BY (c=harmonic number) with the
// shared step-up/monotone-envelope machinery.
func stepUp(p []float64, alpha, c float64) ([]float64, float64, []bool) {
	n := len(p)
	q := make([]float64, n)
	significant := make([]bool, n)
	for i := range q {
		q[i] = math.NaN()
	}

	ranked := make([]rankedP, 0, n)
	for i, v := range p {
		if !math.IsNaN(v) {
			ranked = append(ranked, rankedP{p: v, idx: i})
		}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].p < ranked[b].p })

	m := len(ranked)
	if m == 0 {
		return q, 0, significant
	}

	raw := make([]float64, m)
	for rank, r := range ranked {
		raw[rank] = r.p * float64(m) * c / float64(rank+1)
	}

	// Monotone envelope from the largest rank down (standard BH/BY
	// q-value construction).
	for i := m - 2; i >= 0; i-- {
		if raw[i] > raw[i+1] {
			raw[i] = raw[i+1]
		}
	}
	for i := range raw {
		if raw[i] > 1 {
			raw[i] = 1
		}
	}

	threshold := 0.0
	for rank := m - 1; rank >= 0; rank-- {
		critical := float64(rank+1) / (float64(m) * c) * alpha
		if ranked[rank].p <= critical {
			threshold = ranked[rank].p
			break
		}
	}

	for rank, r := range ranked {
		q[r.idx] = raw[rank]
		significant[r.idx] = r.p <= threshold && threshold > 0
	}
	return q, threshold, significant
}

// PermutationPValues converts an observed statistic vector and its
// null distribution (nPermutations x nVoxels, row 0 conventionally the
// unpermuted statistic) into empirical p-values, floored at
// 1/(nPermutations+1) so no p-value is ever reported as exactly zero.
func PermutationPValues(observed []float64, null *mat.Dense, tail Tail) []float64 {
	nPerm, nVoxels := null.Dims()
	out := make([]float64, len(observed))
	floor := 1.0 / float64(nPerm+1)

	for v := 0; v < nVoxels && v < len(observed); v++ {
		obs := observed[v]
		if math.IsNaN(obs) {
			out[v] = math.NaN()
			continue
		}
		count := 0
		for perm := 0; perm < nPerm; perm++ {
			nv := null.At(perm, v)
			switch tail {
			case TailRight:
				if nv >= obs {
					count++
				}
			case TailLeft:
				if nv <= obs {
					count++
				}
			case TailTwo:
				if math.Abs(nv) >= math.Abs(obs) {
					count++
				}
			}
		}
		p := float64(count) / float64(nPerm)
		if p < floor {
			p = floor
		}
		out[v] = p
	}
	return out
}

// PartialEtaSquared computes partial eta-squared per voxel from the
// between-group and total sums of squares: SSbetween / SStotal.
func PartialEtaSquared(sseBetween, sseTotal []float64) []float64 {
	out := make([]float64, len(sseBetween))
	for i := range sseBetween {
		if sseTotal[i] == 0 {
			out[i] = 0
			continue
		}
		out[i] = sseBetween[i] / sseTotal[i]
	}
	return out
}

// CohensF converts partial eta-squared to Cohen's f via
// sqrt(eta2 / (1 - eta2)).
func CohensF(eta2 []float64) []float64 {
	out := make([]float64, len(eta2))
	for i, e := range eta2 {
		if e >= 1 {
			out[i] = math.Inf(1)
			continue
		}
		if e <= 0 {
			out[i] = 0
			continue
		}
		out[i] = math.Sqrt(e / (1 - e))
	}
	return out
}
