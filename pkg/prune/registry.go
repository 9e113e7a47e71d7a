// Package prune tracks the named linear layers of a model, turns selected ones into hard
// concrete gated layers and compresses them once their gates have settled.
package prune

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/flop/pkg/hardconcrete"
	"github.com/conneroisu/flop/pkg/linear"
	"github.com/dlclark/regexp2"
)

var (
	// ErrPattern is returned for a name pattern that does not compile.
	ErrPattern = errors.New("prune: invalid pattern")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("prune: duplicate layer name")
	// ErrNotFound is returned for an unknown layer name.
	ErrNotFound = errors.New("prune: layer not found")
)

// Entry is a named layer.
type Entry struct {
	Name  string
	Layer linear.Layer
}

// Registry is an ordered set of named layers.
type Registry struct {
	entries []Entry
	index   map[string]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

// Add registers layer under name.
func (r *Registry) Add(name string, layer linear.Layer) error {
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, Entry{Name: name, Layer: layer})
	return nil
}

// Get returns the layer registered under name.
func (r *Registry) Get(name string) (linear.Layer, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.entries[i].Layer, true
}

// Replace swaps the layer registered under name.
func (r *Registry) Replace(name string, layer linear.Layer) error {
	i, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	log.Debug("replacing layer", "name", name, "from", fmt.Sprintf("%T", r.entries[i].Layer), "to", fmt.Sprintf("%T", layer))
	r.entries[i].Layer = layer
	return nil
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Names returns every name in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Select returns the entries whose name matches pattern. Patterns use .NET regular
// expression syntax, so lookarounds such as `^(?!.*embed).*` are allowed.
func (r *Registry) Select(pattern string) ([]Entry, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPattern, err)
	}
	var selected []Entry
	for _, e := range r.entries {
		ok, err := re.MatchString(e.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: matching %q: %v", ErrPattern, e.Name, err)
		}
		if ok {
			selected = append(selected, e)
		}
	}
	return selected, nil
}

// Gated returns the entries whose layer carries a hard concrete gate.
func (r *Registry) Gated() []Entry {
	var gated []Entry
	for _, e := range r.entries {
		if _, ok := e.Layer.(linear.Gated); ok {
			gated = append(gated, e)
		}
	}
	return gated
}

// Prunable returns the entries MakeHardConcrete can gate: Linear and ProjectedLinear
// layers that are not gated yet.
func (r *Registry) Prunable() []Entry {
	var prunable []Entry
	for _, e := range r.entries {
		switch e.Layer.(type) {
		case *linear.Linear, *linear.ProjectedLinear:
			prunable = append(prunable, e)
		}
	}
	return prunable
}

// MakeHardConcrete gates every prunable layer whose name matches pattern and returns the
// number of layers converted. Each gate gets its own seed derived from cfg.Seed.
func (r *Registry) MakeHardConcrete(pattern string, cfg hardconcrete.Config) (int, error) {
	selected, err := r.Select(pattern)
	if err != nil {
		return 0, err
	}
	var converted int
	for _, e := range selected {
		switch e.Layer.(type) {
		case *linear.Linear, *linear.ProjectedLinear:
		default:
			continue
		}
		layerCfg := cfg
		layerCfg.Seed = cfg.Seed + uint64(r.index[e.Name])
		gated, err := linear.MakeHardConcrete(e.Layer, layerCfg)
		if err != nil {
			return converted, fmt.Errorf("gating %q: %w", e.Name, err)
		}
		if err := r.Replace(e.Name, gated); err != nil {
			return converted, err
		}
		converted++
	}
	return converted, nil
}

// Compress replaces every gated layer by its compressed form and returns the parameter
// counts before and after. It is irreversible: optimizer state held for the removed
// parameters must be rebuilt.
func (r *Registry) Compress() (before, after int, err error) {
	before = r.NumParameters()
	for _, e := range r.Gated() {
		compressed, err := linear.Compress(e.Layer)
		if err != nil {
			return before, r.NumParameters(), fmt.Errorf("compressing %q: %w", e.Name, err)
		}
		if err := r.Replace(e.Name, compressed); err != nil {
			return before, r.NumParameters(), err
		}
	}
	return before, r.NumParameters(), nil
}

// NumParameters sums the parameters of every layer, excluding gates.
func (r *Registry) NumParameters() int {
	var n int
	for _, e := range r.entries {
		n += e.Layer.NumParameters()
	}
	return n
}

// L0Norm sums the expected number of open gates over every gated layer.
func (r *Registry) L0Norm() float32 {
	var sum float32
	for _, e := range r.Gated() {
		sum += e.Layer.(linear.Gated).L0Norm()
	}
	return sum
}

// NumPrunable sums the parameters the gates of every gated layer can remove.
func (r *Registry) NumPrunable() int {
	var n int
	for _, e := range r.Gated() {
		n += e.Layer.(linear.Gated).NumPrunable()
	}
	return n
}

// ExpectedSparsity is the expected fraction of prunable parameters removed by the gates.
// Every gate unit controls NumPrunable/Mask().Len() parameters of its layer.
func (r *Registry) ExpectedSparsity() float32 {
	total := r.NumPrunable()
	if total == 0 {
		return 0
	}
	var expected float32
	for _, e := range r.Gated() {
		g := e.Layer.(linear.Gated)
		expected += g.L0Norm() * unitSize(g)
	}
	return 1.0 - expected/float32(total)
}

// SparsityBackward accumulates scale * d(ExpectedSparsity)/d(log_alpha) into every gate.
func (r *Registry) SparsityBackward(scale float32) {
	total := r.NumPrunable()
	if total == 0 {
		return
	}
	for _, e := range r.Gated() {
		g := e.Layer.(linear.Gated)
		g.Mask().L0Backward(-scale * unitSize(g) / float32(total))
	}
}

func unitSize(g linear.Gated) float32 {
	return float32(g.NumPrunable()) / float32(g.Mask().Len())
}
