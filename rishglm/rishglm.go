// Package rishglm implements the one-shot joint site-effect estimator:
// a single no-intercept GLM per spherical-harmonic order, fit jointly
// across every subject at every site, from which per-site scale maps
// are read directly off the fitted coefficients.
package rishglm

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/corticalstack/rish-harmonize/design"
	"github.com/corticalstack/rish-harmonize/scalemap"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// ErrModelMismatch is returned when a requested site or order is not
// part of the fitted model.
var ErrModelMismatch = errors.New("rishglm: model mismatch")

// Model is the jointly-fit per-order site/covariate GLM.
type Model struct {
	SiteNames      []string
	CovariateNames []string
	Orders         []int
	ReferenceSite  string
	SiteIndex      map[string]int
	NPerSite       map[string]int
	NSubjects      int
	DesignColumns  []string
	Means          map[string]float64
	Stds           map[string]float64

	dims    map[int][3]int
	voxSize map[int][3]float64
	beta    map[int]*mat.Dense // (p x n_voxels) per order
}

// Fit estimates one joint GLM per order from the full multi-site
// subject set. rish[site][order] holds one *voxel.Scalar3D per
// subject at that site, ordered the same as sites/covariates restrict
// to that site's rows in row-major subject order.
func Fit(rish map[string]map[int][]*voxel.Scalar3D, sites []string, covariates map[string][]float64, referenceSite string) (*Model, error) {
	n := len(sites)
	if n == 0 {
		return nil, fmt.Errorf("rishglm: empty subject list")
	}

	d, err := design.BuildRISHGLM(sites, covariates)
	if err != nil {
		return nil, err
	}

	siteNames := make([]string, 0, len(d.SiteIndex))
	for s := range d.SiteIndex {
		siteNames = append(siteNames, s)
	}
	sort.Strings(siteNames)

	if _, ok := d.SiteIndex[referenceSite]; referenceSite != "" && !ok {
		return nil, fmt.Errorf("%w: reference site %q not present", ErrModelMismatch, referenceSite)
	}

	nPerSite := make(map[string]int, len(siteNames))
	for _, s := range sites {
		nPerSite[s]++
	}

	// Determine subject ordering per site to index into rish[site][order].
	siteSubjectOrder := make(map[string][]int, len(siteNames))
	for i, s := range sites {
		siteSubjectOrder[s] = append(siteSubjectOrder[s], i)
	}

	var orders []int
	for _, s := range siteNames {
		if m, ok := rish[s]; ok {
			for ell := range m {
				orders = append(orders, ell)
			}
			break
		}
	}
	sort.Ints(orders)
	if len(orders) == 0 {
		return nil, fmt.Errorf("rishglm: no RISH orders supplied")
	}

	_, p := d.X.Dims()
	beta := make(map[int]*mat.Dense, len(orders))
	dims := make(map[int][3]int, len(orders))
	voxSize := make(map[int][3]float64, len(orders))

	var qr mat.QR
	qr.Factorize(d.X)

	for _, ell := range orders {
		var nvox int
		var dim [3]int
		var vsize [3]float64
		first := true
		col := make([][]float64, n)

		for _, s := range siteNames {
			subjImgs, ok := rish[s][ell]
			if !ok || len(subjImgs) != nPerSite[s] {
				return nil, fmt.Errorf("%w: site %q missing order %d data", ErrModelMismatch, s, ell)
			}
			for localIdx, rowIdx := range siteSubjectOrder[s] {
				img := subjImgs[localIdx]
				if first {
					nvox = len(img.Data)
					dim = img.Dims
					vsize = img.VoxSize
					first = false
				} else if len(img.Data) != nvox {
					return nil, fmt.Errorf("rishglm: voxel count mismatch at order %d", ell)
				}
				col[rowIdx] = img.Data
			}
		}

		Y := mat.NewDense(n, nvox, nil)
		for i := range n {
			for v := 0; v < nvox; v++ {
				Y.Set(i, v, col[i][v])
			}
		}

		var Bhat mat.Dense
		if err := qr.SolveTo(&Bhat, false, Y); err != nil {
			return nil, fmt.Errorf("rishglm: order %d: %w", ell, err)
		}
		if Bhat.RawMatrix().Rows != p {
			return nil, fmt.Errorf("rishglm: unexpected coefficient shape at order %d", ell)
		}
		beta[ell] = &Bhat
		dims[ell] = dim
		voxSize[ell] = vsize
	}

	if referenceSite == "" {
		referenceSite = siteNames[0]
	}

	return &Model{
		SiteNames:      siteNames,
		CovariateNames: covariateNames(covariates),
		Orders:         orders,
		ReferenceSite:  referenceSite,
		SiteIndex:      d.SiteIndex,
		NPerSite:       nPerSite,
		NSubjects:      n,
		DesignColumns:  d.ColumnNames,
		Means:          d.Means,
		Stds:           d.Stds,
		dims:           dims,
		voxSize:        voxSize,
		beta:           beta,
	}, nil
}

// BetaMap returns the fitted (p x n_voxels) coefficient matrix for the
// given order.
func (m *Model) BetaMap(ell int) (*mat.Dense, [3]int, [3]float64, bool) {
	b, ok := m.beta[ell]
	if !ok {
		return nil, [3]int{}, [3]float64{}, false
	}
	return b, m.dims[ell], m.voxSize[ell], true
}

// Reconstruct rebuilds a fitted Model from persisted coefficients,
// used by the model package's Load.
func Reconstruct(siteNames, covariateNames []string, orders []int, referenceSite string, siteIndex map[string]int, nPerSite map[string]int, nSubjects int, designColumns []string, means, stds map[string]float64, beta map[int]*mat.Dense, dims map[int][3]int, voxSize map[int][3]float64) *Model {
	return &Model{
		SiteNames:      siteNames,
		CovariateNames: covariateNames,
		Orders:         orders,
		ReferenceSite:  referenceSite,
		SiteIndex:      siteIndex,
		NPerSite:       nPerSite,
		NSubjects:      nSubjects,
		DesignColumns:  designColumns,
		Means:          means,
		Stds:           stds,
		beta:           beta,
		dims:           dims,
		voxSize:        voxSize,
	}
}

func covariateNames(covariates map[string][]float64) []string {
	names := make([]string, 0, len(covariates))
	for k := range covariates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ScaleMap computes the voxelwise scale factor s_ell(v) = beta_ref(v) /
// max(beta_target(v), epsilon) at the given order (square-rooted when
// opt.SqrtMode is set), then smoothed and clipped per opt.
func (m *Model) ScaleMap(ell int, targetSite string, opt scalemap.Options) (*voxel.Scalar3D, error) {
	refIdx, ok := m.SiteIndex[m.ReferenceSite]
	if !ok {
		return nil, fmt.Errorf("%w: reference site %q not in model", ErrModelMismatch, m.ReferenceSite)
	}
	tarIdx, ok := m.SiteIndex[targetSite]
	if !ok {
		return nil, fmt.Errorf("%w: target site %q not in model", ErrModelMismatch, targetSite)
	}
	beta, ok := m.beta[ell]
	if !ok {
		return nil, fmt.Errorf("%w: order %d not in model", ErrModelMismatch, ell)
	}

	dims := m.dims[ell]
	voxSize := m.voxSize[ell]
	refBeta := voxel.NewScalar3D(dims, voxSize)
	tarBeta := voxel.NewScalar3D(dims, voxSize)
	refRow := mat.Row(nil, refIdx, beta)
	tarRow := mat.Row(nil, tarIdx, beta)
	copy(refBeta.Data, refRow)
	copy(tarBeta.Data, tarRow)

	return scalemap.Build(refBeta, tarBeta, nil, opt)
}
