package content

import "github.com/schaermu/mirrord/internal/config"

// Pipeline bundles the content checks the engine runs for one entry
type Pipeline struct {
	resolver *Resolver
}

// NewPipeline creates a pipeline resolving against manifest
func NewPipeline(manifest []config.Entry) *Pipeline {
	return &Pipeline{resolver: NewResolver(manifest)}
}

// Validate reports whether raw is a legitimate filter list
func (p *Pipeline) Validate(raw string) bool {
	return Validate(raw)
}

// Resolve expands include directives of raw for entry
func (p *Pipeline) Resolve(entry config.Entry, raw string) string {
	return p.resolver.Resolve(entry, raw)
}

// Compare reports whether existing and resolved are byte-identical once both
// went through Resolve for entry.
func (p *Pipeline) Compare(entry config.Entry, existing, resolved string) bool {
	return p.resolver.Resolve(entry, existing) == p.resolver.Resolve(entry, resolved)
}
