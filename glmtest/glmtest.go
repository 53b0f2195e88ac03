// Package glmtest implements the voxel-wise general linear model test
// kernel: a Beckmann/Smith design-matrix partition per hypothesis, a
// homoscedastic F-statistic and a heteroscedastic Welch-style
// G-statistic, both driven through the Freedman-Lane permutation
// scheme.
package glmtest

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/corticalstack/rish-harmonize/design"
)

// ErrRankDeficient is returned when a design matrix does not have
// full column rank.
var ErrRankDeficient = errors.New("glmtest: design matrix is rank deficient")

// conditionWarnThreshold is the condition number above which the test
// constructors log a warning without failing (a tolerance, not a hard
// limit).
const conditionWarnThreshold = 1e8

// Hypothesis names a linear contrast on the design matrix's columns.
type Hypothesis struct {
	Contrast *mat.Dense // rank x p
	Index    int
	Name     string
	Rank     int
	IsF      bool
}

// NewHypothesis builds a Hypothesis, defaulting Name to "t{index}" for
// a rank-1 contrast or "F{index}" for a multi-row contrast.
func NewHypothesis(contrast *mat.Dense, index int, name string) *Hypothesis {
	r, _ := contrast.Dims()
	isF := r > 1
	if name == "" {
		if isF {
			name = fmt.Sprintf("F%d", index)
		} else {
			name = fmt.Sprintf("t%d", index)
		}
	}
	return &Hypothesis{Contrast: contrast, Index: index, Name: name, Rank: r, IsF: isF}
}

// Partition is the Beckmann/Smith decomposition of a design matrix
// with respect to one hypothesis: X carries the tested effect, Z the
// nuisance regressors, Hz/Rz the nuisance projector and its
// complement.
type Partition struct {
	X, Z   *mat.Dense
	Hz, Rz *mat.Dense
}

type partitionKey struct {
	design   *mat.Dense
	contrast *mat.Dense
}

// partitionCache is a small bounded cache keyed on pointer identity:
// a Partition is a pure function of (design, contrast), so repeated
// permutation runs over the same design/hypothesis pair reuse it.
type partitionCache struct {
	mu       sync.Mutex
	capacity int
	order    []partitionKey
	entries  map[partitionKey]*Partition
}

var globalPartitionCache = &partitionCache{
	capacity: 32,
	entries:  make(map[partitionKey]*Partition),
}

func (c *partitionCache) get(key partitionKey) (*Partition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[key]
	return p, ok
}

func (c *partitionCache) put(key partitionKey, p *Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = p
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, key)
	c.entries[key] = p
}

// Partition computes (or returns the cached) Beckmann/Smith partition
// of design with respect to h's contrast.
func (h *Hypothesis) Partition(design *mat.Dense) (*Partition, error) {
	key := partitionKey{design: design, contrast: h.Contrast}
	if p, ok := globalPartitionCache.get(key); ok {
		return p, nil
	}
	p, err := computePartition(design, h.Contrast)
	if err != nil {
		return nil, err
	}
	globalPartitionCache.put(key, p)
	return p, nil
}

func computePartition(d, contrast *mat.Dense) (*Partition, error) {
	n, p := d.Dims()
	r, pc := contrast.Dims()
	if pc != p {
		return nil, fmt.Errorf("glmtest: contrast has %d columns, design has %d", pc, p)
	}

	var cu mat.Dense
	cu.CloneFrom(contrast.T()) // p x r

	var qrCu mat.QR
	qrCu.Factorize(&cu)
	var q mat.Dense
	qrCu.QTo(&q) // p x p orthogonal

	cv := q.Slice(0, p, r, p) // p x (p-r), orthogonal complement of cu's column space

	var cuTcu, cuTcuInv mat.Dense
	cuTcu.Mul(cu.T(), &cu)
	if err := cuTcuInv.Inverse(&cuTcu); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}

	var dcu, x mat.Dense
	dcu.Mul(d, &cu)
	x.Mul(&dcu, &cuTcuInv)

	z := mat.NewDense(n, p-r, nil)
	z.Mul(d, cv)

	hz, rz, err := projector(z)
	if err != nil {
		return nil, err
	}

	return &Partition{X: &x, Z: z, Hz: hz, Rz: rz}, nil
}

// projector returns the orthogonal projector onto col(z) and its
// complement, via the orthonormal basis from z's QR factorization.
func projector(z *mat.Dense) (hz, rz *mat.Dense, err error) {
	n, k := z.Dims()
	if k == 0 {
		hz = mat.NewDense(n, n, nil)
		rz = identity(n)
		return hz, rz, nil
	}
	var qr mat.QR
	qr.Factorize(z)
	var qFull mat.Dense
	qr.QTo(&qFull)
	qz := qFull.Slice(0, n, 0, k)

	hz = mat.NewDense(n, n, nil)
	hz.Mul(qz, qz.T())

	rz = mat.NewDense(n, n, nil)
	rz.Sub(identity(n), hz)
	return hz, rz, nil
}

func identity(n int) *mat.Dense {
	id := mat.NewDense(n, n, nil)
	for i := range n {
		id.Set(i, i, 1.0)
	}
	return id
}

// Output is one hypothesis's statistic map plus, for rank-1 contrasts
// only, an effect size and standard error map.
type Output struct {
	Statistic  []float64
	EffectSize []float64
	StdError   []float64
}

// Test runs a voxel-wise hypothesis test over a response matrix under
// an optional row permutation.
type Test interface {
	Run(y *mat.Dense, shuffle []int) ([]*Output, error)
}

// TestHomoscedastic is the ordinary F-statistic test (equal
// per-subject residual variance assumed).
type TestHomoscedastic struct {
	Design     *mat.Dense
	Hypotheses []*Hypothesis
}

// NewTestHomoscedastic validates the design's rank before returning a
// ready-to-run test, logging (not failing) on a high condition number.
func NewTestHomoscedastic(d *mat.Dense, hyps []*Hypothesis) (*TestHomoscedastic, error) {
	if err := checkDesignRank(d); err != nil {
		return nil, err
	}
	return &TestHomoscedastic{Design: d, Hypotheses: hyps}, nil
}

func checkDesignRank(d *mat.Dense) error {
	_, p := d.Dims()
	rank, cond := design.CheckDesign(d)
	if rank < p {
		return ErrRankDeficient
	}
	if cond > conditionWarnThreshold {
		log.Printf("glmtest: design matrix condition number %.3g exceeds %.0g", cond, conditionWarnThreshold)
	}
	return nil
}

// Run evaluates the F-statistic for every hypothesis against y under
// the Freedman-Lane permutation scheme for shuffle (nil or identity
// evaluates the observed, unpermuted statistic).
func (t *TestHomoscedastic) Run(y *mat.Dense, shuffle []int) ([]*Output, error) {
	n, p := t.Design.Dims()
	outputs := make([]*Output, len(t.Hypotheses))

	for i, h := range t.Hypotheses {
		part, err := h.Partition(t.Design)
		if err != nil {
			return nil, err
		}

		yPerm := freedmanLane(part, y, shuffle)

		rzY := mat.NewDense(n, colsOf(y), nil)
		rzY.Mul(part.Rz, yPerm)

		xr := mat.NewDense(n, h.Rank, nil)
		xr.Mul(part.Rz, part.X)

		var qr mat.QR
		qr.Factorize(xr)
		var betaExtra mat.Dense
		if err := qr.SolveTo(&betaExtra, false, rzY); err != nil {
			return nil, fmt.Errorf("glmtest: %w", err)
		}

		fitted := mat.NewDense(n, colsOf(y), nil)
		fitted.Mul(xr, &betaExtra)

		resid := mat.NewDense(n, colsOf(y), nil)
		resid.Sub(rzY, fitted)

		ssReduced := sumSquaresPerColumn(rzY)
		ssFull := sumSquaresPerColumn(resid)

		df2 := float64(n - p)
		stat := make([]float64, colsOf(y))
		eta2 := make([]float64, colsOf(y))
		var effect, stderr []float64
		if h.Rank == 1 {
			effect = make([]float64, colsOf(y))
			stderr = make([]float64, colsOf(y))
		}
		xrSumSq := sumSquares(mat.Col(nil, 0, xr))

		for v := range colsOf(y) {
			num := (ssReduced[v] - ssFull[v]) / float64(h.Rank)
			den := ssFull[v] / df2
			if den <= 0 {
				stat[v] = 0
			} else {
				stat[v] = num / den
			}
			if ssReduced[v] > 0 {
				eta2[v] = (ssReduced[v] - ssFull[v]) / ssReduced[v]
			}
			if h.Rank == 1 {
				effect[v] = eta2[v]
				if xrSumSq > 0 {
					stderr[v] = sqrtNonNeg(ssFull[v]/df2) / sqrtNonNeg(xrSumSq)
				}
			}
		}

		outputs[i] = &Output{Statistic: stat, EffectSize: effect, StdError: stderr}
	}
	return outputs, nil
}

// TestHeteroscedastic is the Welch-style G-statistic test: rows are
// reweighted by the inverse of their variance-group's residual
// variance before the same partitioned-sum-of-squares computation.
type TestHeteroscedastic struct {
	Design         *mat.Dense
	Hypotheses     []*Hypothesis
	VarianceGroups []int
}

// NewTestHeteroscedastic validates the design and group labels before
// returning a ready-to-run test.
func NewTestHeteroscedastic(d *mat.Dense, hyps []*Hypothesis, groups []int) (*TestHeteroscedastic, error) {
	if err := checkDesignRank(d); err != nil {
		return nil, err
	}
	n, _ := d.Dims()
	if len(groups) != n {
		return nil, fmt.Errorf("glmtest: variance groups length %d, want %d", len(groups), n)
	}
	return &TestHeteroscedastic{Design: d, Hypotheses: hyps, VarianceGroups: groups}, nil
}

// Run evaluates the heteroscedastic G-statistic, reweighting each
// subject's row by the inverse residual variance of its variance
// group before refitting.
func (t *TestHeteroscedastic) Run(y *mat.Dense, shuffle []int) ([]*Output, error) {
	n, p := t.Design.Dims()
	outputs := make([]*Output, len(t.Hypotheses))

	for i, h := range t.Hypotheses {
		part, err := h.Partition(t.Design)
		if err != nil {
			return nil, err
		}

		yPerm := freedmanLane(part, y, shuffle)
		rzY := mat.NewDense(n, colsOf(y), nil)
		rzY.Mul(part.Rz, yPerm)

		weights := groupWeights(rzY, t.VarianceGroups)

		wXr := mat.NewDense(n, h.Rank, nil)
		wXr.Mul(part.Rz, part.X)
		wRzY := mat.NewDense(n, colsOf(y), nil)
		wRzY.CloneFrom(rzY)
		for r := 0; r < n; r++ {
			sw := sqrtNonNeg(weights[r])
			for c := 0; c < h.Rank; c++ {
				wXr.Set(r, c, wXr.At(r, c)*sw)
			}
			for c := 0; c < colsOf(y); c++ {
				wRzY.Set(r, c, wRzY.At(r, c)*sw)
			}
		}

		var qr mat.QR
		qr.Factorize(wXr)
		var betaExtra mat.Dense
		if err := qr.SolveTo(&betaExtra, false, wRzY); err != nil {
			return nil, fmt.Errorf("glmtest: %w", err)
		}
		fitted := mat.NewDense(n, colsOf(y), nil)
		fitted.Mul(wXr, &betaExtra)
		resid := mat.NewDense(n, colsOf(y), nil)
		resid.Sub(wRzY, fitted)

		ssReduced := sumSquaresPerColumn(wRzY)
		ssFull := sumSquaresPerColumn(resid)
		df2 := float64(n - p)

		stat := make([]float64, colsOf(y))
		for v := range colsOf(y) {
			num := (ssReduced[v] - ssFull[v]) / float64(h.Rank)
			den := ssFull[v] / df2
			if den > 0 {
				stat[v] = num / den
			}
		}
		outputs[i] = &Output{Statistic: stat}
	}
	return outputs, nil
}

// groupWeights estimates per-row inverse-variance weights from the
// residual matrix's per-group mean squared value, the Welch correction
// for unequal variance groups.
func groupWeights(resid *mat.Dense, groups []int) []float64 {
	n, v := resid.Dims()
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i := 0; i < n; i++ {
		g := groups[i]
		for j := 0; j < v; j++ {
			val := resid.At(i, j)
			sums[g] += val * val
		}
		counts[g] += v
	}
	variance := make(map[int]float64, len(sums))
	for g, s := range sums {
		if counts[g] > 0 {
			variance[g] = s / float64(counts[g])
		}
	}
	weights := make([]float64, n)
	for i, g := range groups {
		if variance[g] > 1e-12 {
			weights[i] = 1.0 / variance[g]
		} else {
			weights[i] = 1.0
		}
	}
	return weights
}

// freedmanLane forms the permuted response Y* = Hz*Y + P(Rz*Y) per the
// Freedman-Lane scheme. shuffle nil or identity leaves Y unchanged.
func freedmanLane(part *Partition, y *mat.Dense, shuffle []int) *mat.Dense {
	n, v := y.Dims()
	hzY := mat.NewDense(n, v, nil)
	hzY.Mul(part.Hz, y)
	rzY := mat.NewDense(n, v, nil)
	rzY.Mul(part.Rz, y)

	permRzY := permuteRows(rzY, shuffle)

	out := mat.NewDense(n, v, nil)
	out.Add(hzY, permRzY)
	return out
}

func permuteRows(m *mat.Dense, shuffle []int) *mat.Dense {
	if shuffle == nil {
		return m
	}
	n, v := m.Dims()
	identityPerm := true
	for i, s := range shuffle {
		if s != i {
			identityPerm = false
			break
		}
	}
	if identityPerm {
		return m
	}
	out := mat.NewDense(n, v, nil)
	for i, src := range shuffle {
		for j := range v {
			out.Set(i, j, m.At(src, j))
		}
	}
	return out
}

func colsOf(m *mat.Dense) int {
	_, c := m.Dims()
	return c
}

func sumSquaresPerColumn(m *mat.Dense) []float64 {
	n, v := m.Dims()
	out := make([]float64, v)
	for j := 0; j < v; j++ {
		var s float64
		for i := 0; i < n; i++ {
			x := m.At(i, j)
			s += x * x
		}
		out[j] = s
	}
	return out
}

func sumSquares(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return s
}

func sqrtNonNeg(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}

// CreateDesignMatrix is a thin wrapper over design.BuildTwoStage
// matching the original's create_design_matrix call shape.
func CreateDesignMatrix(siteLabels []string, covariates map[string][]float64) (*mat.Dense, []string, error) {
	m, err := design.BuildTwoStage(siteLabels, covariates, design.DefaultTwoStageOptions())
	if err != nil {
		return nil, nil, err
	}
	return m.X, m.ColumnNames, nil
}

// CreateSiteContrast builds an omnibus hypothesis over every site
// dummy column of a two-stage design with nSites sites and
// nCovariates trailing covariate columns.
func CreateSiteContrast(nSites, nCovariates int) (*Hypothesis, error) {
	if nSites < 2 {
		return nil, fmt.Errorf("glmtest: CreateSiteContrast requires at least 2 sites")
	}
	p := nSites + nCovariates
	r := nSites - 1
	c := mat.NewDense(r, p, nil)
	for i := range r {
		c.Set(i, 1+i, 1.0)
	}
	return &Hypothesis{Contrast: c, Index: 0, Name: "site_effect", Rank: r, IsF: r > 1}, nil
}
