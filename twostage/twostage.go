// Package twostage implements the adjust-then-average covariate
// harmonization model: fit a per-order linear covariate model at a
// reference site, subtract its covariate contribution from every
// subject, then average the residuals into a site template.
package twostage

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/corticalstack/rish-harmonize/voxel"
)

// ErrInsufficientSubjects is returned when fewer than two subjects are
// supplied where at least two are required (regression, averaging).
var ErrInsufficientSubjects = errors.New("twostage: insufficient subjects")

// ErrDimMismatch is returned when voxel grids or RISH order sets
// disagree across subjects.
var ErrDimMismatch = errors.New("twostage: dimension mismatch")

// state tags the model's position in the fit/apply lifecycle.
type state int

const (
	unfit state = iota
	fitted
)

// Model holds the per-order reference-site regression of RISH energy
// on standardized covariates.
type Model struct {
	Orders         []int
	CovariateNames []string
	Means          map[string]float64
	Stds           map[string]float64

	// Template is the reference-site RISH template (as returned by
	// BuildTemplate over a cohort of adjusted reference subjects) that
	// Adjust's output is compared against to derive a subject's scale
	// map. It is not set by Fit — callers wire it in once the
	// reference cohort's adjusted maps have been averaged.
	Template map[int]*voxel.Scalar3D

	beta      map[int][]*voxel.Scalar3D // per order: one per-voxel coefficient image per covariate
	intercept map[int]*voxel.Scalar3D   // per order: one per-voxel intercept image
	dims      [3]int
	voxSize   [3]float64
	st        state
}

// Fit regresses each order's reference-site RISH energy on the
// standardized reference covariates, one ordinary least-squares fit
// per voxel per order (design shared, response varies by voxel).
func Fit(refRish []map[int]*voxel.Scalar3D, refCovariates map[string][]float64) (*Model, error) {
	n := len(refRish)
	if n < 2 {
		return nil, ErrInsufficientSubjects
	}
	for name, vals := range refCovariates {
		if len(vals) != n {
			return nil, fmt.Errorf("twostage: covariate %q has %d values, want %d", name, len(vals), n)
		}
	}

	covNames := make([]string, 0, len(refCovariates))
	for name := range refCovariates {
		covNames = append(covNames, name)
	}
	sort.Strings(covNames)

	z := make(map[string][]float64, len(covNames))
	means := make(map[string]float64, len(covNames))
	stds := make(map[string]float64, len(covNames))
	for _, name := range covNames {
		mu, sigma := meanStd(refCovariates[name])
		if sigma < 1e-10 {
			sigma = 1.0
		}
		col := make([]float64, n)
		for i, v := range refCovariates[name] {
			col[i] = (v - mu) / sigma
		}
		z[name] = col
		means[name] = mu
		stds[name] = sigma
	}

	p := 1 + len(covNames)
	X := mat.NewDense(n, p, nil)
	for i := range n {
		X.Set(i, 0, 1.0)
		for j, name := range covNames {
			X.Set(i, 1+j, z[name][i])
		}
	}

	orders := sortedOrders(refRish[0])
	for _, m := range refRish {
		if !sameOrders(m, refRish[0]) {
			return nil, ErrDimMismatch
		}
	}

	dims := refRish[0][orders[0]].Dims
	voxSize := refRish[0][orders[0]].VoxSize
	nvox := len(refRish[0][orders[0]].Data)

	beta := make(map[int][]*voxel.Scalar3D, len(orders))
	intercept := make(map[int]*voxel.Scalar3D, len(orders))

	var qr mat.QR
	qr.Factorize(X)

	for _, ell := range orders {
		Y := mat.NewDense(n, nvox, nil)
		for i, m := range refRish {
			img, ok := m[ell]
			if !ok || len(img.Data) != nvox {
				return nil, ErrDimMismatch
			}
			for v := range nvox {
				Y.Set(i, v, img.Data[v])
			}
		}

		var Bhat mat.Dense
		if err := qr.SolveTo(&Bhat, false, Y); err != nil {
			return nil, fmt.Errorf("twostage: order %d: %w", ell, err)
		}

		// Each row of Bhat is one covariate's slope image, flattened
		// in the same voxel order as Y's columns; row 0 is the
		// intercept image.
		interceptImg := voxel.NewScalar3D(dims, voxSize)
		copy(interceptImg.Data, Bhat.RawRowView(0))
		intercept[ell] = interceptImg

		betaImgs := make([]*voxel.Scalar3D, len(covNames))
		for j := range covNames {
			img := voxel.NewScalar3D(dims, voxSize)
			copy(img.Data, Bhat.RawRowView(1+j))
			betaImgs[j] = img
		}
		beta[ell] = betaImgs
	}

	return &Model{
		Orders:         orders,
		CovariateNames: covNames,
		Means:          means,
		Stds:           stds,
		beta:           beta,
		intercept:      intercept,
		dims:           dims,
		voxSize:        voxSize,
		st:             fitted,
	}, nil
}

// Adjust subtracts the fitted covariate contribution from a subject's
// RISH maps, leaving a covariate-residualized map per order. The
// intercept is not subtracted, only the standardized-covariate term.
func (mdl *Model) Adjust(subjectRish map[int]*voxel.Scalar3D, subjectCovariates map[string]float64) (map[int]*voxel.Scalar3D, error) {
	if mdl.st != fitted {
		return nil, fmt.Errorf("twostage: model not fitted")
	}

	z := make([]float64, len(mdl.CovariateNames))
	for j, name := range mdl.CovariateNames {
		val, ok := subjectCovariates[name]
		if !ok {
			return nil, fmt.Errorf("twostage: missing covariate %q", name)
		}
		sigma := mdl.Stds[name]
		z[j] = (val - mdl.Means[name]) / sigma
	}

	out := make(map[int]*voxel.Scalar3D, len(mdl.Orders))
	for _, ell := range mdl.Orders {
		img, ok := subjectRish[ell]
		if !ok {
			return nil, fmt.Errorf("twostage: subject missing order %d", ell)
		}
		betaImgs := mdl.beta[ell]
		adjusted := voxel.NewScalar3D(img.Dims, img.VoxSize)
		for v, val := range img.Data {
			contribution := 0.0
			for j, b := range betaImgs {
				contribution += b.Data[v] * z[j]
			}
			adjusted.Data[v] = val - contribution
		}
		out[ell] = adjusted
	}
	return out, nil
}

// BuildTemplate averages a set of adjusted subject maps per order into
// a single harmonization template.
func BuildTemplate(adjusted []map[int]*voxel.Scalar3D) (map[int]*voxel.Scalar3D, error) {
	if len(adjusted) < 2 {
		return nil, ErrInsufficientSubjects
	}
	orders := sortedOrders(adjusted[0])
	for _, m := range adjusted {
		if !sameOrders(m, adjusted[0]) {
			return nil, ErrDimMismatch
		}
	}

	out := make(map[int]*voxel.Scalar3D, len(orders))
	for _, ell := range orders {
		imgs := make([]*voxel.Scalar3D, len(adjusted))
		for i, m := range adjusted {
			imgs[i] = m[ell]
		}
		mean, err := voxel.MeanImages(imgs)
		if err != nil {
			return nil, fmt.Errorf("twostage: order %d: %w", ell, err)
		}
		out[ell] = mean
	}
	return out, nil
}

// BetaCoefficients returns the fitted per-order, per-covariate
// per-voxel slope images.
func (mdl *Model) BetaCoefficients() map[int][]*voxel.Scalar3D { return mdl.beta }

// InterceptValues returns the fitted per-order per-voxel intercept
// images.
func (mdl *Model) InterceptValues() map[int]*voxel.Scalar3D { return mdl.intercept }

// Reconstruct rebuilds a fitted Model from persisted per-voxel
// coefficient images and an optional reference template, used by the
// model package's Load.
func Reconstruct(orders []int, covariateNames []string, means, stds map[string]float64, beta map[int][]*voxel.Scalar3D, intercept map[int]*voxel.Scalar3D, template map[int]*voxel.Scalar3D) *Model {
	var dims [3]int
	var voxSize [3]float64
	if len(orders) > 0 {
		if img, ok := intercept[orders[0]]; ok {
			dims = img.Dims
			voxSize = img.VoxSize
		}
	}
	return &Model{
		Orders:         orders,
		CovariateNames: covariateNames,
		Means:          means,
		Stds:           stds,
		Template:       template,
		beta:           beta,
		intercept:      intercept,
		dims:           dims,
		voxSize:        voxSize,
		st:             fitted,
	}
}

func sortedOrders(m map[int]*voxel.Scalar3D) []int {
	orders := make([]int, 0, len(m))
	for ell := range m {
		orders = append(orders, ell)
	}
	sort.Ints(orders)
	return orders
}

func sameOrders(a, b map[int]*voxel.Scalar3D) bool {
	if len(a) != len(b) {
		return false
	}
	for ell := range a {
		if _, ok := b[ell]; !ok {
			return false
		}
	}
	return true
}

func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}
