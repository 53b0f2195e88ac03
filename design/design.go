// Package design builds the site/covariate design matrices consumed
// by the two-stage model, the RISH-GLM estimator, and the voxel-wise
// GLM test kernel.
package design

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DesignError reports a malformed design request (length mismatch,
// empty subject list, or a non-numeric covariate value).
type DesignError struct {
	Field  string
	Detail string
}

func (e *DesignError) Error() string {
	return fmt.Sprintf("design: %s: %s", e.Field, e.Detail)
}

// Matrix is a built design matrix plus the bookkeeping needed to
// standardize a new subject's covariates consistently at apply time.
type Matrix struct {
	X           *mat.Dense
	ColumnNames []string
	SiteIndex   map[string]int
	Means       map[string]float64
	Stds        map[string]float64
}

// TwoStageOptions configures BuildTwoStage.
type TwoStageOptions struct {
	ReferenceSite         string // defaults to the lexicographically-first site
	StandardizeCovariates bool   // defaults true via DefaultTwoStageOptions
}

// DefaultTwoStageOptions returns the spec's default two-stage options.
func DefaultTwoStageOptions() TwoStageOptions {
	return TwoStageOptions{StandardizeCovariates: true}
}

func uniqueSorted(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

func sortedCovariateNames(covariates map[string][]float64) []string {
	names := make([]string, 0, len(covariates))
	for k := range covariates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func validateCovariateLengths(n int, covariates map[string][]float64) error {
	for name, vals := range covariates {
		if len(vals) != n {
			return &DesignError{Field: name, Detail: fmt.Sprintf("expected %d values, got %d", n, len(vals))}
		}
	}
	return nil
}

// StandardizeCovariates z-scores every covariate column. sigma is
// pinned to 1.0 when the observed standard deviation is below 1e-10,
// so constant covariates never divide by zero.
func StandardizeCovariates(covariates map[string][]float64) (z map[string][]float64, means, stds map[string]float64) {
	z = make(map[string][]float64, len(covariates))
	means = make(map[string]float64, len(covariates))
	stds = make(map[string]float64, len(covariates))
	for name, vals := range covariates {
		mu, sigma := meanStd(vals)
		if sigma < 1e-10 {
			sigma = 1.0
		}
		zs := make([]float64, len(vals))
		for i, v := range vals {
			zs[i] = (v - mu) / sigma
		}
		z[name] = zs
		means[name] = mu
		stds[name] = sigma
	}
	return z, means, stds
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
	std = math.Sqrt(ss / n)
	return mean, std
}

// BuildTwoStage builds [intercept] u {site_s : s != ref} u sorted covariates.
func BuildTwoStage(sites []string, covariates map[string][]float64, opts TwoStageOptions) (*Matrix, error) {
	n := len(sites)
	if n == 0 {
		return nil, &DesignError{Field: "sites", Detail: "empty subject list"}
	}
	if err := validateCovariateLengths(n, covariates); err != nil {
		return nil, err
	}

	siteLabels := uniqueSorted(sites)
	ref := opts.ReferenceSite
	if ref == "" {
		ref = siteLabels[0]
	}
	refFound := false
	var dummySites []string
	for _, s := range siteLabels {
		if s == ref {
			refFound = true
			continue
		}
		dummySites = append(dummySites, s)
	}
	if !refFound {
		return nil, &DesignError{Field: "reference_site", Detail: fmt.Sprintf("site %q not present", ref)}
	}

	covNames := sortedCovariateNames(covariates)
	var zCov map[string][]float64
	var means, stds map[string]float64
	if opts.StandardizeCovariates {
		zCov, means, stds = StandardizeCovariates(covariates)
	} else {
		zCov, means, stds = covariates, map[string]float64{}, map[string]float64{}
	}

	ncols := 1 + len(dummySites) + len(covNames)
	X := mat.NewDense(n, ncols, nil)
	colNames := make([]string, 0, ncols)
	colNames = append(colNames, "intercept")
	for i := range n {
		X.Set(i, 0, 1.0)
	}
	for j, s := range dummySites {
		colNames = append(colNames, "site_"+s)
		for i := range n {
			if sites[i] == s {
				X.Set(i, 1+j, 1.0)
			}
		}
	}
	for k, name := range covNames {
		colNames = append(colNames, name)
		col := zCov[name]
		for i := range n {
			X.Set(i, 1+len(dummySites)+k, col[i])
		}
	}

	siteIndex := make(map[string]int, len(siteLabels))
	for i, s := range siteLabels {
		siteIndex[s] = i
	}

	return &Matrix{X: X, ColumnNames: colNames, SiteIndex: siteIndex, Means: means, Stds: stds}, nil
}

// BuildRISHGLM builds a no-intercept design: full k-column site
// indicator block, one 1 per row, followed by sorted covariates.
func BuildRISHGLM(sites []string, covariates map[string][]float64) (*Matrix, error) {
	n := len(sites)
	if n == 0 {
		return nil, &DesignError{Field: "sites", Detail: "empty subject list"}
	}
	if err := validateCovariateLengths(n, covariates); err != nil {
		return nil, err
	}

	siteLabels := uniqueSorted(sites)
	covNames := sortedCovariateNames(covariates)
	zCov, means, stds := StandardizeCovariates(covariates)

	ncols := len(siteLabels) + len(covNames)
	X := mat.NewDense(n, ncols, nil)
	colNames := make([]string, 0, ncols)
	siteIndex := make(map[string]int, len(siteLabels))
	for j, s := range siteLabels {
		siteIndex[s] = j
		colNames = append(colNames, "site_"+s)
	}
	for i, s := range sites {
		X.Set(i, siteIndex[s], 1.0)
	}
	for k, name := range covNames {
		colNames = append(colNames, name)
		col := zCov[name]
		for i := range n {
			X.Set(i, len(siteLabels)+k, col[i])
		}
	}

	return &Matrix{X: X, ColumnNames: colNames, SiteIndex: siteIndex, Means: means, Stds: stds}, nil
}

// CheckDesign reports the numerical rank and condition number of X via
// its singular values (mat.SVD), used to surface (without failing on)
// a high-condition-number warning per the GLM test kernel's contract.
func CheckDesign(x *mat.Dense) (rank int, cond float64) {
	var svd mat.SVD
	ok := svd.Factorize(x, mat.SVDNone)
	if !ok {
		return 0, math.Inf(1)
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0, math.Inf(1)
	}
	maxSV := values[0]
	tol := maxSV * 1e-10
	rank = 0
	minSV := values[0]
	for _, v := range values {
		if v > tol {
			rank++
		}
		if v < minSV {
			minSV = v
		}
	}
	if minSV <= 0 {
		return rank, math.Inf(1)
	}
	return rank, maxSV / minSV
}
