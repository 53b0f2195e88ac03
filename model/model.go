// Package model unifies the two-stage and RISH-GLM fitted harmonization
// models behind one tagged handle with a shared apply/persist surface.
package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/corticalstack/rish-harmonize/rescale"
	"github.com/corticalstack/rish-harmonize/rish"
	"github.com/corticalstack/rish-harmonize/rishglm"
	"github.com/corticalstack/rish-harmonize/scalemap"
	"github.com/corticalstack/rish-harmonize/shindex"
	"github.com/corticalstack/rish-harmonize/twostage"
	"github.com/corticalstack/rish-harmonize/voxel"
)

// ErrModelMismatch reports an illegal state transition or an apply
// request that does not match the fitted model's shape.
var ErrModelMismatch = errors.New("model: mismatch")

// Kind discriminates which harmonization variant a Handle wraps.
type Kind int

const (
	KindTwoStage Kind = iota
	KindRISHGLM
)

func (k Kind) String() string {
	if k == KindRISHGLM {
		return "rish_glm"
	}
	return "two_stage"
}

// State tracks a Handle's position in the fit/persist/apply lifecycle.
type State int

const (
	Unfit State = iota
	Fitted
	Serialized
	Loaded
	Applied
)

// Handle wraps a fitted two-stage or RISH-GLM model plus shared
// metadata needed to apply and persist it.
type Handle struct {
	Kind     Kind
	Lmax     int
	MaskPath string

	twoStage *twostage.Model
	rishGLM  *rishglm.Model

	state State
}

// Transition guards the Handle's lifecycle against illegal jumps: a
// model can only be Applied once Fitted or Loaded.
func (h *Handle) Transition(to State) error {
	switch to {
	case Fitted:
		if h.state != Unfit {
			return fmt.Errorf("%w: cannot transition to Fitted from state %d", ErrModelMismatch, h.state)
		}
	case Serialized:
		if h.state != Fitted {
			return fmt.Errorf("%w: cannot Serialize before Fitted", ErrModelMismatch)
		}
	case Loaded:
		if h.state != Unfit {
			return fmt.Errorf("%w: cannot transition to Loaded from state %d", ErrModelMismatch, h.state)
		}
	case Applied:
		if h.state != Fitted && h.state != Loaded && h.state != Applied {
			return fmt.Errorf("%w: cannot Apply before Fitted or Loaded", ErrModelMismatch)
		}
	default:
		return fmt.Errorf("%w: unknown target state %d", ErrModelMismatch, to)
	}
	h.state = to
	return nil
}

// NewTwoStage wraps a fitted two-stage model together with the
// reference-site template (as produced by twostage.BuildTemplate over
// the adjusted reference cohort) that Apply compares subjects against.
func NewTwoStage(m *twostage.Model, template map[int]*voxel.Scalar3D, lmax int, maskPath string) *Handle {
	m.Template = template
	h := &Handle{Kind: KindTwoStage, Lmax: lmax, MaskPath: maskPath, twoStage: m, state: Unfit}
	_ = h.Transition(Fitted)
	return h
}

// NewRISHGLM wraps a fitted RISH-GLM model.
func NewRISHGLM(m *rishglm.Model, lmax int, maskPath string) *Handle {
	h := &Handle{Kind: KindRISHGLM, Lmax: lmax, MaskPath: maskPath, rishGLM: m, state: Unfit}
	_ = h.Transition(Fitted)
	return h
}

// Apply computes the per-order scale maps that harmonize a subject's SH
// image against the fitted model and the requested target site,
// transitioning the Handle to Applied. It does not rescale the image;
// ApplyRescale does.
func (h *Handle) Apply(subjectSH *voxel.Image, targetSite string, subjectCovariates map[string]float64) (map[int]*voxel.Scalar3D, error) {
	if h.state != Fitted && h.state != Loaded && h.state != Applied {
		return nil, fmt.Errorf("%w: Apply requires Fitted or Loaded state", ErrModelMismatch)
	}

	idx, err := shindex.Build(h.Lmax)
	if err != nil {
		return nil, err
	}
	subjectRish, err := rish.Extract(subjectSH, idx, nil)
	if err != nil {
		return nil, err
	}

	var scales map[int]*voxel.Scalar3D
	switch h.Kind {
	case KindTwoStage:
		scales, err = h.applyTwoStage(subjectRish, subjectCovariates)
	case KindRISHGLM:
		scales, err = h.applyRISHGLM(targetSite)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrModelMismatch, h.Kind)
	}
	if err != nil {
		return nil, err
	}

	if err := h.Transition(Applied); err != nil {
		return nil, err
	}
	return scales, nil
}

func (h *Handle) applyTwoStage(subjectRish map[int]*voxel.Scalar3D, subjectCovariates map[string]float64) (map[int]*voxel.Scalar3D, error) {
	if h.twoStage.Template == nil {
		return nil, fmt.Errorf("%w: two-stage model has no reference template", ErrModelMismatch)
	}
	adjusted, err := h.twoStage.Adjust(subjectRish, subjectCovariates)
	if err != nil {
		return nil, err
	}
	// The two-stage scale map compares the subject's covariate-
	// residualized RISH against the reference-site template, the same
	// way harmonize.go's HarmonizeSubject compares a raw target
	// against its reference.
	scales := make(map[int]*voxel.Scalar3D, len(adjusted))
	for ell, adj := range adjusted {
		ref, ok := h.twoStage.Template[ell]
		if !ok {
			return nil, fmt.Errorf("%w: reference template missing order %d", ErrModelMismatch, ell)
		}
		s, err := scalemap.Build(ref, adj, nil, scalemap.DefaultOptions())
		if err != nil {
			return nil, err
		}
		scales[ell] = s
	}
	return scales, nil
}

func (h *Handle) applyRISHGLM(targetSite string) (map[int]*voxel.Scalar3D, error) {
	scales := make(map[int]*voxel.Scalar3D, len(h.rishGLM.Orders))
	for _, ell := range h.rishGLM.Orders {
		s, err := h.rishGLM.ScaleMap(ell, targetSite, scalemap.DefaultOptions())
		if err != nil {
			return nil, err
		}
		scales[ell] = s
	}
	return scales, nil
}

// ApplyRescale is a convenience that runs Apply then broadcasts the
// resulting scale maps back onto the full SH coefficient image.
func (h *Handle) ApplyRescale(subjectSH *voxel.Image, targetSite string, subjectCovariates map[string]float64) (*voxel.Image, error) {
	idx, err := shindex.Build(h.Lmax)
	if err != nil {
		return nil, err
	}
	scales, err := h.Apply(subjectSH, targetSite, subjectCovariates)
	if err != nil {
		return nil, err
	}
	return rescale.Apply(subjectSH, idx, scales, h.Lmax)
}

// fileFormat is the on-disk JSON schema for a persisted Handle.
type fileFormat struct {
	Kind           string             `json:"kind"`
	CovariateNames []string           `json:"covariate_names"`
	Orders         []int              `json:"orders"`
	Means          map[string]float64 `json:"means"`
	Stds           map[string]float64 `json:"stds"`
	NSubjects      int                `json:"n_subjects"`
	BetaPaths      map[string]string  `json:"beta_paths"`
	InterceptPaths map[string]string  `json:"intercept_paths"`
	TemplatePaths  map[string]string  `json:"template_paths"`
	SiteNames      []string           `json:"site_names"`
	ReferenceSite  string             `json:"reference_site"`
	DesignColumns  []string           `json:"design_columns"`
	NPerSite       map[string]int     `json:"n_per_site"`
	MaskPath       string             `json:"mask_path"`
	Lmax           int                `json:"lmax"`
}

// Save persists a fitted Handle to jsonPath; beta/intercept values are
// written as sibling raw float64 blobs with relative paths recorded in
// the JSON document.
func Save(h *Handle, jsonPath string) error {
	if h.state != Fitted {
		return fmt.Errorf("%w: Save requires a Fitted handle", ErrModelMismatch)
	}
	dir := filepath.Dir(jsonPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ff := fileFormat{
		Kind:           h.Kind.String(),
		BetaPaths:      map[string]string{},
		InterceptPaths: map[string]string{},
		TemplatePaths:  map[string]string{},
		MaskPath:       h.MaskPath,
		Lmax:           h.Lmax,
	}

	switch h.Kind {
	case KindTwoStage:
		m := h.twoStage
		ff.CovariateNames = m.CovariateNames
		ff.Orders = m.Orders
		ff.Means = m.Means
		ff.Stds = m.Stds
		for ell, coefs := range m.BetaCoefficients() {
			for j, name := range m.CovariateNames {
				key := fmt.Sprintf("%d_%s", ell, name)
				rel := fmt.Sprintf("beta_%s.bin", key)
				if err := writeScalarBlob(filepath.Join(dir, rel), coefs[j]); err != nil {
					return err
				}
				ff.BetaPaths[key] = rel
			}
		}
		for ell, img := range m.InterceptValues() {
			rel := fmt.Sprintf("intercept_%d.bin", ell)
			if err := writeScalarBlob(filepath.Join(dir, rel), img); err != nil {
				return err
			}
			ff.InterceptPaths[fmt.Sprintf("%d", ell)] = rel
		}
		for ell, img := range m.Template {
			rel := fmt.Sprintf("template_%d.bin", ell)
			if err := writeScalarBlob(filepath.Join(dir, rel), img); err != nil {
				return err
			}
			ff.TemplatePaths[fmt.Sprintf("%d", ell)] = rel
		}

	case KindRISHGLM:
		m := h.rishGLM
		ff.CovariateNames = m.CovariateNames
		ff.Orders = m.Orders
		ff.Means = m.Means
		ff.Stds = m.Stds
		ff.NSubjects = m.NSubjects
		ff.SiteNames = m.SiteNames
		ff.ReferenceSite = m.ReferenceSite
		ff.DesignColumns = m.DesignColumns
		ff.NPerSite = m.NPerSite
		for _, ell := range m.Orders {
			beta, dims, voxSize, ok := m.BetaMap(ell)
			if !ok {
				continue
			}
			for _, site := range m.SiteNames {
				row := mat.Row(nil, m.SiteIndex[site], beta)
				s := &voxel.Scalar3D{Dims: dims, VoxSize: voxSize, Data: row}
				key := fmt.Sprintf("%d_site_%s", ell, site)
				rel := fmt.Sprintf("beta_%s.bin", key)
				if err := writeScalarBlob(filepath.Join(dir, rel), s); err != nil {
					return err
				}
				ff.BetaPaths[key] = rel
			}
		}
	}

	f, err := os.Create(jsonPath)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(ff)
}

// Load reads back a persisted Handle, resolving blob paths relative to
// jsonPath's directory to absolute paths before reading them.
func Load(jsonPath string) (*Handle, error) {
	f, err := os.Open(jsonPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ff fileFormat
	if err := json.NewDecoder(f).Decode(&ff); err != nil {
		return nil, fmt.Errorf("model: decoding %s: %w", jsonPath, err)
	}
	dir := filepath.Dir(jsonPath)

	h := &Handle{Lmax: ff.Lmax, MaskPath: ff.MaskPath, state: Unfit}

	switch ff.Kind {
	case KindTwoStage.String():
		h.Kind = KindTwoStage
		beta := make(map[int][]*voxel.Scalar3D, len(ff.Orders))
		intercept := make(map[int]*voxel.Scalar3D, len(ff.Orders))
		for _, ell := range ff.Orders {
			coefs := make([]*voxel.Scalar3D, len(ff.CovariateNames))
			for j, name := range ff.CovariateNames {
				key := fmt.Sprintf("%d_%s", ell, name)
				rel, ok := ff.BetaPaths[key]
				if !ok {
					return nil, fmt.Errorf("model: missing beta path for %s", key)
				}
				abs, err := filepath.Abs(filepath.Join(dir, rel))
				if err != nil {
					return nil, err
				}
				s, err := readScalarBlob(abs)
				if err != nil {
					return nil, err
				}
				coefs[j] = s
			}
			beta[ell] = coefs

			rel, ok := ff.InterceptPaths[fmt.Sprintf("%d", ell)]
			if !ok {
				return nil, fmt.Errorf("model: missing intercept path for order %d", ell)
			}
			abs, err := filepath.Abs(filepath.Join(dir, rel))
			if err != nil {
				return nil, err
			}
			s, err := readScalarBlob(abs)
			if err != nil {
				return nil, err
			}
			intercept[ell] = s
		}
		template := make(map[int]*voxel.Scalar3D, len(ff.TemplatePaths))
		for key, rel := range ff.TemplatePaths {
			var ell int
			if _, err := fmt.Sscanf(key, "%d", &ell); err != nil {
				return nil, fmt.Errorf("model: malformed template key %q: %w", key, err)
			}
			abs, err := filepath.Abs(filepath.Join(dir, rel))
			if err != nil {
				return nil, err
			}
			s, err := readScalarBlob(abs)
			if err != nil {
				return nil, err
			}
			template[ell] = s
		}
		h.twoStage = twostage.Reconstruct(ff.Orders, ff.CovariateNames, ff.Means, ff.Stds, beta, intercept, template)

	case KindRISHGLM.String():
		h.Kind = KindRISHGLM
		siteIndex := make(map[string]int, len(ff.SiteNames))
		sortedSites := append([]string{}, ff.SiteNames...)
		sort.Strings(sortedSites)
		for i, s := range sortedSites {
			siteIndex[s] = i
		}
		beta := make(map[int]*mat.Dense, len(ff.Orders))
		dims := make(map[int][3]int, len(ff.Orders))
		voxSizes := make(map[int][3]float64, len(ff.Orders))
		for _, ell := range ff.Orders {
			var nvox int
			rows := make([][]float64, len(ff.SiteNames))
			var dim [3]int
			var vsize [3]float64
			for _, site := range ff.SiteNames {
				key := fmt.Sprintf("%d_site_%s", ell, site)
				rel, ok := ff.BetaPaths[key]
				if !ok {
					return nil, fmt.Errorf("model: missing beta path for %s", key)
				}
				abs, err := filepath.Abs(filepath.Join(dir, rel))
				if err != nil {
					return nil, err
				}
				s, err := readScalarBlob(abs)
				if err != nil {
					return nil, err
				}
				nvox = len(s.Data)
				dim = s.Dims
				vsize = s.VoxSize
				rows[siteIndex[site]] = s.Data
			}
			bmat := mat.NewDense(len(ff.SiteNames), nvox, nil)
			for i, row := range rows {
				for v, val := range row {
					bmat.Set(i, v, val)
				}
			}
			beta[ell] = bmat
			dims[ell] = dim
			voxSizes[ell] = vsize
		}
		h.rishGLM = rishglm.Reconstruct(ff.SiteNames, ff.CovariateNames, ff.Orders, ff.ReferenceSite, siteIndex, ff.NPerSite, ff.NSubjects, ff.DesignColumns, ff.Means, ff.Stds, beta, dims, voxSizes)

	default:
		return nil, fmt.Errorf("model: unknown kind %q", ff.Kind)
	}

	if err := h.Transition(Loaded); err != nil {
		return nil, err
	}
	return h, nil
}

// blobHeader is the fixed-size header preceding a scalar blob's flat
// float64 payload: dims then voxel size.
type blobHeader struct {
	Dims    [3]int64
	VoxSize [3]float64
}

func writeScalarBlob(path string, s *voxel.Scalar3D) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	hdr := blobHeader{
		Dims:    [3]int64{int64(s.Dims[0]), int64(s.Dims[1]), int64(s.Dims[2])},
		VoxSize: s.VoxSize,
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Data); err != nil {
		return err
	}
	return w.Flush()
}

func readScalarBlob(path string) (*voxel.Scalar3D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr blobHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	dims := [3]int{int(hdr.Dims[0]), int(hdr.Dims[1]), int(hdr.Dims[2])}
	n := dims[0] * dims[1] * dims[2]
	data := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	return &voxel.Scalar3D{Dims: dims, VoxSize: hdr.VoxSize, Data: data}, nil
}
