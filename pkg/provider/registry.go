package provider

import (
	"fmt"
	"sync"
)

// Registry resolves gateways by provider name. Client credentials are read
// on first use so a deployment may leave unused providers unconfigured.
type Registry struct {
	defs    map[string]Definition
	box     Decrypter
	environ map[string]string
	opts    []GatewayOption

	mu       sync.Mutex
	gateways map[string]*Gateway
}

// NewRegistry creates a Registry over defs. opts are applied to every
// gateway it builds.
func NewRegistry(defs map[string]Definition, box Decrypter, opts ...GatewayOption) *Registry {
	return &Registry{
		defs:     defs,
		box:      box,
		opts:     opts,
		gateways: make(map[string]*Gateway),
	}
}

// WithEnvironment makes the registry resolve client credentials from environ
// instead of the process environment.
func (r *Registry) WithEnvironment(environ map[string]string) *Registry {
	r.environ = environ
	return r
}

// Gateway returns the gateway for name, creating it on first use. Failed
// lookups are not cached, so fixing the environment takes effect on the
// next call.
func (r *Registry) Gateway(name string) (*Gateway, error) {
	name = normalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gateways[name]; ok {
		return g, nil
	}

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	creds, err := LoadClientCredentials(name, r.environ)
	if err != nil {
		return nil, err
	}

	g := NewGateway(def, creds, r.box, r.opts...)
	r.gateways[name] = g
	return g, nil
}

// Definition returns the static configuration for name.
func (r *Registry) Definition(name string) (Definition, bool) {
	def, ok := r.defs[normalizeName(name)]
	return def, ok
}

// Names returns every known provider name in lexical order.
func (r *Registry) Names() []string {
	return SortedNames(r.defs)
}
