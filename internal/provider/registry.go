package provider

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"

	"github.com/JakeFAU/sitepeek/internal/preview"
)

// Flow names.
const (
	FlowStandard = "standard"
	FlowFast     = "fast"
	FlowSimple   = "simple"
)

// Flow is a named, priority-ordered provider list plus its probing policy.
type Flow struct {
	Name string
	// ProbeDepth is how many leading candidates get a liveness probe before
	// the next one is accepted unverified. Zero disables probing.
	ProbeDepth int
	Note       string
	candidates []Descriptor
}

// Candidates returns a copy of the flow's descriptors in priority order.
func (f Flow) Candidates() []Descriptor {
	out := slices.Clone(f.candidates)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// NameForURL matches the host of rawURL against this flow's descriptors.
func (f Flow) NameForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return UnknownProvider
	}
	for _, d := range f.Candidates() {
		if d.MatchesHost(u.Hostname()) {
			return d.Name
		}
	}
	return UnknownProvider
}

// Registry is the static catalog of flows.
type Registry struct {
	flows map[string]Flow
}

// NewRegistry builds a registry from the given flows.
func NewRegistry(flows ...Flow) *Registry {
	r := &Registry{flows: make(map[string]Flow, len(flows))}
	for _, f := range flows {
		f.candidates = slices.Clone(f.candidates)
		r.flows[f.Name] = f
	}
	return r
}

// Default returns the built-in standard, fast, and simple flows.
func Default() *Registry {
	return NewRegistry(standardFlow(), fastFlow(), simpleFlow())
}

// Flow looks up a flow by name.
func (r *Registry) Flow(name string) (Flow, error) {
	f, ok := r.flows[name]
	if !ok {
		return Flow{}, fmt.Errorf("%w: %q", preview.ErrUnknownFlow, name)
	}
	return f, nil
}

// Flows returns every flow sorted by name.
func (r *Registry) Flows() []Flow {
	out := make([]Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HostFor returns the registered provider host serving rawURL, or
// UnknownProvider. The result set is bounded by the catalog.
func (r *Registry) HostFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return UnknownProvider
	}
	for _, f := range r.Flows() {
		for _, d := range f.candidates {
			if d.MatchesHost(u.Hostname()) {
				return d.Host
			}
		}
	}
	return UnknownProvider
}

// IsProviderURL reports whether rawURL points at a known provider host.
func (r *Registry) IsProviderURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, f := range r.flows {
		for _, d := range f.candidates {
			if d.MatchesHost(u.Hostname()) {
				return true
			}
		}
	}
	return false
}

// WithProbeDepth returns a copy of the registry with the named flow's probe
// depth replaced. Unknown flows are ignored.
func (r *Registry) WithProbeDepth(name string, depth int) *Registry {
	flows := make([]Flow, 0, len(r.flows))
	for _, f := range r.flows {
		if f.Name == name && depth >= 0 {
			f.ProbeDepth = depth
		}
		flows = append(flows, f)
	}
	return NewRegistry(flows...)
}

func sShot(name string, priority, width, height int) Descriptor {
	return Descriptor{
		Name:     name,
		Host:     "s-shot.ru",
		Priority: priority,
		Width:    width,
		Height:   height,
		build: func(encoded string) string {
			w, h := strconv.Itoa(width), strconv.Itoa(height)
			return "https://mini.s-shot.ru/" + w + "x" + h + "/PNG/" + w + "/Z100/?" + encoded
		},
	}
}

func thumIO(priority, width, height int) Descriptor {
	return Descriptor{
		Name:     "thum-io",
		Host:     "thum.io",
		Priority: priority,
		Width:    width,
		Height:   height,
		build: func(encoded string) string {
			return "https://image.thum.io/get/width/" + strconv.Itoa(width) +
				"/crop/" + strconv.Itoa(height) + "/" + encoded
		},
	}
}

func thumbnailWS(priority, width, height int) Descriptor {
	return Descriptor{
		Name:     "thumbnail-ws",
		Host:     "thumbnail.ws",
		Priority: priority,
		Width:    width,
		Height:   height,
		build: func(encoded string) string {
			return "https://api.thumbnail.ws/api/simplescreenshot/free/png?url=" + encoded +
				"&width=" + strconv.Itoa(width)
		},
	}
}

func standardFlow() Flow {
	return Flow{
		Name:       FlowStandard,
		ProbeDepth: 1,
		candidates: []Descriptor{
			sShot("mini-s-shot-ru", 0, 1200, 800),
			thumIO(1, 1200, 800),
			thumbnailWS(2, 1200, 800),
		},
	}
}

func fastFlow() Flow {
	return Flow{
		Name: FlowFast,
		Note: "Using optimized fast service with smaller image size",
		candidates: []Descriptor{
			sShot("mini-s-shot-ru-small", 0, 800, 600),
			thumIO(1, 800, 600),
		},
	}
}

func simpleFlow() Flow {
	return Flow{
		Name: FlowSimple,
		Note: "Using reliable service without redirect issues",
		candidates: []Descriptor{
			sShot("mini-s-shot-ru", 0, 1024, 768),
			thumIO(1, 1024, 768),
			thumbnailWS(2, 1024, 768),
		},
	}
}

// NewFlow builds a custom flow, mainly for tests and alternate deployments.
func NewFlow(name string, probeDepth int, note string, candidates ...Descriptor) Flow {
	return Flow{Name: name, ProbeDepth: probeDepth, Note: note, candidates: slices.Clone(candidates)}
}

// NewDescriptor builds a descriptor whose template appends the encoded target
// to prefix.
func NewDescriptor(name, host string, priority int, prefix string) Descriptor {
	return Descriptor{
		Name:     name,
		Host:     host,
		Priority: priority,
		build:    func(encoded string) string { return prefix + encoded },
	}
}
