// Package harmonize is a thin end-to-end convenience wrapper over
// rish, twostage/rishglm, scalemap, and rescale: build a reference
// template from a cohort of sites, then harmonize one subject's SH
// image against it.
package harmonize

import (
	"fmt"

	"github.com/corticalstack/rish-harmonize/internal/workerpool"
	"github.com/corticalstack/rish-harmonize/rescale"
	"github.com/corticalstack/rish-harmonize/rish"
	"github.com/corticalstack/rish-harmonize/scalemap"
	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/twostage"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// Harmonizer bundles the SH order cap and scale-map construction
// options shared across template-building and subject harmonization.
type Harmonizer struct {
	Lmax            int
	ScaleMapOptions scalemap.Options

	// RefModel is the reference-site covariate model fitted by
	// BuildTemplate. HarmonizeSubject uses it to residualize a
	// subject's covariate effect before comparing against the
	// reference template, so a subject is never compared to the
	// template on raw, covariate-confounded RISH energy.
	RefModel *twostage.Model
}

// BuildTemplate fits a reference-site covariate model over refSH and
// returns the per-order RISH template used as the harmonization
// target. Per-subject RISH extraction runs across a bounded worker
// pool.
func (h *Harmonizer) BuildTemplate(refSH []*voxel.Image, refMasks []*voxel.Mask, refCovariates map[string][]float64) (map[int]*voxel.Scalar3D, error) {
	if len(refSH) != len(refMasks) {
		return nil, fmt.Errorf("harmonize: %d images but %d masks", len(refSH), len(refMasks))
	}
	idx, err := shindex.Build(h.Lmax)
	if err != nil {
		return nil, fmt.Errorf("harmonize: %w", err)
	}

	rishPerSubject, err := workerpool.Run(len(refSH), 0, func(i int) (map[int]*voxel.Scalar3D, error) {
		return rish.Extract(refSH[i], idx, refMasks[i])
	})
	if err != nil {
		return nil, fmt.Errorf("harmonize: extracting reference RISH: %w", err)
	}

	model, err := twostage.Fit(rishPerSubject, refCovariates)
	if err != nil {
		return nil, fmt.Errorf("harmonize: fitting reference model: %w", err)
	}
	h.RefModel = model

	adjusted := make([]map[int]*voxel.Scalar3D, len(rishPerSubject))
	for i, subjectRish := range rishPerSubject {
		cov := make(map[string]float64, len(refCovariates))
		for name, vals := range refCovariates {
			cov[name] = vals[i]
		}
		adj, err := model.Adjust(subjectRish, cov)
		if err != nil {
			return nil, fmt.Errorf("harmonize: adjusting subject %d: %w", i, err)
		}
		adjusted[i] = adj
	}

	return twostage.BuildTemplate(adjusted)
}

// HarmonizeSubject rescales targetSH so its per-order RISH energy
// matches reference: extract RISH, residualize any covariate effect
// against the reference-site model fitted by BuildTemplate, build one
// scale map per order against the reference template, and apply it to
// every SH coefficient in that order's block. A nil covariates map
// skips residualization and compares raw RISH directly to reference,
// matching a model with no covariates in its design.
func (h *Harmonizer) HarmonizeSubject(targetSH *voxel.Image, targetMask *voxel.Mask, reference map[int]*voxel.Scalar3D, covariates map[string]float64) (*voxel.Image, error) {
	idx, err := shindex.Build(h.Lmax)
	if err != nil {
		return nil, fmt.Errorf("harmonize: %w", err)
	}

	targetRish, err := rish.Extract(targetSH, idx, targetMask)
	if err != nil {
		return nil, fmt.Errorf("harmonize: extracting target RISH: %w", err)
	}

	subjectRish := targetRish
	if covariates != nil {
		if h.RefModel == nil {
			return nil, fmt.Errorf("harmonize: covariate adjustment requested but no reference model fitted")
		}
		adjusted, err := h.RefModel.Adjust(targetRish, covariates)
		if err != nil {
			return nil, fmt.Errorf("harmonize: adjusting target for covariates: %w", err)
		}
		subjectRish = adjusted
	}

	scales := make(map[int]*voxel.Scalar3D, len(idx.Orders))
	for _, ell := range idx.Orders {
		ref, ok := reference[ell]
		if !ok {
			return nil, fmt.Errorf("harmonize: reference template missing order %d", ell)
		}
		tgt, ok := subjectRish[ell]
		if !ok {
			return nil, fmt.Errorf("harmonize: target subject missing order %d", ell)
		}
		scale, err := scalemap.Build(ref, tgt, targetMask, h.ScaleMapOptions)
		if err != nil {
			return nil, fmt.Errorf("harmonize: building scale map for order %d: %w", ell, err)
		}
		scales[ell] = scale
	}

	return rescale.Apply(targetSH, idx, scales, h.Lmax)
}
