// Package converter resolves (source, target) format pairs to conversion
// capabilities and runs them.
//
// Registration happens once at startup. Every capability declares the routes
// it serves together with a priority; when several capabilities serve the
// same pair the highest priority wins. Two capabilities claiming the same pair
// at the same priority is rejected by Register so resolution never depends on
// registration order.
package converter

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"fileconverter/models"
)

// Route is a set of source formats that a capability turns into one target format.
type Route struct {
	Sources []string
	Target  string
}

// Capability is one pluggable conversion implementation.
type Capability interface {
	Name() string
	Routes() []Route
	Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error)
}

// Pair is a normalized (source, target) format pair.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type entry struct {
	capability Capability
	priority   int
}

// Registry holds the registered capabilities indexed by pair.
type Registry struct {
	mu     sync.RWMutex
	routes map[Pair]entry
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[Pair]entry)}
}

// Register adds a capability with the given priority. It fails without
// changing the registry if any declared pair is already served at the same priority.
func (r *Registry) Register(c Capability, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs := expand(c.Routes())
	for _, p := range pairs {
		if existing, ok := r.routes[p]; ok && existing.priority == priority {
			return fmt.Errorf("ambiguous converter registration: %s and %s both handle %s->%s at priority %d",
				existing.capability.Name(), c.Name(), p.Source, p.Target, priority)
		}
	}

	for _, p := range pairs {
		existing, ok := r.routes[p]
		if ok {
			winner := existing.capability.Name()
			if priority > existing.priority {
				winner = c.Name()
			}
			log.Printf("[Converter] %s and %s overlap on %s->%s; %s wins by priority",
				existing.capability.Name(), c.Name(), p.Source, p.Target, winner)
			if priority < existing.priority {
				continue
			}
		}
		r.routes[p] = entry{capability: c, priority: priority}
	}
	return nil
}

// MustRegister is Register for static startup wiring.
func (r *Registry) MustRegister(c Capability, priority int) *Registry {
	if err := r.Register(c, priority); err != nil {
		panic(err)
	}
	return r
}

// Supports reports whether any capability handles the pair.
func (r *Registry) Supports(sourceFormat, targetFormat string) bool {
	_, ok := r.resolve(sourceFormat, targetFormat)
	return ok
}

// Convert runs the capability registered for the pair. All failures,
// including an unknown pair, are reported as *models.ConversionError.
func (r *Registry) Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error) {
	c, ok := r.resolve(sourceFormat, targetFormat)
	if !ok {
		return nil, &models.ConversionError{
			Cause: fmt.Errorf("%w: %s to %s", models.ErrUnsupportedConversion, sourceFormat, targetFormat),
		}
	}

	out, err := c.Convert(ctx, Normalize(sourceFormat), Normalize(targetFormat), in)
	if err != nil {
		return nil, &models.ConversionError{Capability: c.Name(), Cause: err}
	}
	if len(out) == 0 {
		return nil, &models.ConversionError{Capability: c.Name(), Cause: fmt.Errorf("converter produced no output")}
	}
	return out, nil
}

// Pairs lists every supported pair, sorted.
func (r *Registry) Pairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make([]Pair, 0, len(r.routes))
	for p := range r.routes {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Source != pairs[j].Source {
			return pairs[i].Source < pairs[j].Source
		}
		return pairs[i].Target < pairs[j].Target
	})
	return pairs
}

func (r *Registry) resolve(sourceFormat, targetFormat string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.routes[Pair{Source: Normalize(sourceFormat), Target: Normalize(targetFormat)}]
	return e.capability, ok
}

func expand(routes []Route) []Pair {
	var pairs []Pair
	for _, route := range routes {
		for _, src := range route.Sources {
			pairs = append(pairs, Pair{Source: Normalize(src), Target: Normalize(route.Target)})
		}
	}
	return pairs
}

// Normalize lowercases a format and strips a leading dot; "jpeg" is folded to "jpg".
func Normalize(format string) string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if f == "jpeg" {
		return "jpg"
	}
	return f
}
