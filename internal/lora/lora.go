// Package lora attaches low-rank adapters to frozen projections. For a base
// weight W (out x in) an adapter adds scaling * B A x, with A (r x in) drawn
// Kaiming-uniform and B (out x r) zero, so a fresh adapter leaves the model's
// output unchanged.
package lora

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/samber/lo"

	"instructune/internal/autograd"
	"instructune/internal/model"
)

// ErrNoTargets is returned when no projection matches target_modules.
var ErrNoTargets = errors.New("no linear layer matches target_modules")

// Config holds the adapter hyperparameters.
type Config struct {
	R             int
	Alpha         int
	Dropout       float64
	TargetModules []string
	Bias          string
	// BaseModel is recorded in adapter_config.json.
	BaseModel string
}

// Scaling is alpha / r.
func (c Config) Scaling() float64 {
	if c.R <= 0 {
		return 0
	}
	return float64(c.Alpha) / float64(c.R)
}

// Adapter is the low-rank pair attached to one Linear.
type Adapter struct {
	Name    string
	A       *autograd.Matrix
	B       *autograd.Matrix
	Scaling float64
	Dropout float64

	rng *rand.Rand
}

var _ model.Adapter = (*Adapter)(nil)

// Forward returns scaling * B A dropout(x).
func (a *Adapter) Forward(x *autograd.Vec, train bool) *autograd.Vec {
	in := x
	if train && a.Dropout > 0 {
		in = x.Mask(autograd.DropoutMask(x.Len(), a.Dropout, a.rng))
	}
	return a.B.Matvec(a.A.Matvec(in)).Scale(a.Scaling)
}

// Apply is the graph-free delta used at inference; dropout is off.
func (a *Adapter) Apply(x []float64) []float64 {
	ax := make([]float64, a.A.Nout)
	for i, r := range a.A.Rows {
		s := 0.0
		for j, w := range r.Data {
			s += w * x[j]
		}
		ax[i] = s
	}
	out := make([]float64, a.B.Nout)
	for i, r := range a.B.Rows {
		s := 0.0
		for j, w := range r.Data {
			s += w * ax[j]
		}
		out[i] = s * a.Scaling
	}
	return out
}

// Delta returns scaling * B A as a row-major (out x in) matrix.
func (a *Adapter) Delta() []float64 {
	out, in, r := a.B.Nout, a.A.Nin, a.A.Nout
	d := make([]float64, out*in)
	for i := 0; i < out; i++ {
		brow := a.B.Rows[i].Data
		for k := 0; k < r; k++ {
			bk := brow[k] * a.Scaling
			if bk == 0 {
				continue
			}
			arow := a.A.Rows[k].Data
			for j := 0; j < in; j++ {
				d[i*in+j] += bk * arow[j]
			}
		}
	}
	return d
}

// Params returns the trainable rows of A then B.
func (a *Adapter) Params() []*autograd.Vec {
	return append(append([]*autograd.Vec(nil), a.A.Params()...), a.B.Params()...)
}

// Set is every adapter attached to one model.
type Set struct {
	Config   Config
	Adapters map[string]*Adapter
	linears  map[string]*model.Linear
}

// Inject attaches fresh adapters to every projection whose name ends in a
// target module.
func Inject(m *model.Model, cfg Config, seed int64) (*Set, error) {
	if cfg.R < 1 {
		return nil, fmt.Errorf("lora rank must be >= 1, got %d", cfg.R)
	}
	targets := lo.Filter(m.Linears(), func(l *model.Linear, _ int) bool {
		return model.MatchesTarget(l.Name, cfg.TargetModules)
	})
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w (%v)", ErrNoTargets, cfg.TargetModules)
	}
	rng := rand.New(rand.NewSource(seed))
	s := &Set{Config: cfg, Adapters: map[string]*Adapter{}, linears: map[string]*model.Linear{}}
	for _, l := range targets {
		if l.Adapter != nil {
			return nil, fmt.Errorf("linear %s already has an adapter", l.Name)
		}
		// kaiming_uniform_(a=sqrt(5)) reduces to U(-1/sqrt(fan_in), 1/sqrt(fan_in))
		bound := 1 / math.Sqrt(float64(l.In))
		a := &Adapter{
			Name:    l.Name,
			A:       autograd.NewMatrixUniform(cfg.R, l.In, bound, rng),
			B:       autograd.NewMatrix(l.Out, cfg.R),
			Scaling: cfg.Scaling(),
			Dropout: cfg.Dropout,
			rng:     rng,
		}
		l.Adapter = a
		s.Adapters[l.Name] = a
		s.linears[l.Name] = l
	}
	return s, nil
}

// Names returns adapted layer names sorted.
func (s *Set) Names() []string {
	names := lo.Keys(s.Adapters)
	sort.Strings(names)
	return names
}

// TrainableParams returns every adapter row in a stable order.
func (s *Set) TrainableParams() []*autograd.Vec {
	var out []*autograd.Vec
	for _, n := range s.Names() {
		out = append(out, s.Adapters[n].Params()...)
	}
	return out
}

// CountParams returns trainable and total parameter counts for m with s attached.
func (s *Set) CountParams(m *model.Model) (trainable, total int) {
	trainable = lo.SumBy(lo.Values(s.Adapters), func(a *Adapter) int {
		return a.A.Nout*a.A.Nin + a.B.Nout*a.B.Nin
	})
	return trainable, trainable + m.NumParams()
}

// Detach removes the adapters from their linears.
func (s *Set) Detach() {
	for name, l := range s.linears {
		if l.Adapter == s.Adapters[name] {
			l.Adapter = nil
		}
	}
}

// Linear returns the projection an adapter is attached to.
func (s *Set) Linear(name string) (*model.Linear, bool) {
	l, ok := s.linears[name]
	return l, ok
}
