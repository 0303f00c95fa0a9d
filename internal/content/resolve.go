package content

import (
	"net/url"
	"strings"

	"github.com/schaermu/mirrord/internal/config"
)

const includeDirective = "!#include"

// Resolver rewrites include directives using a manifest snapshot
type Resolver struct {
	names map[string]bool
	links map[string]string // absolute link -> entry name
}

// NewResolver builds a resolver over manifest. The lookup tables do not
// depend on manifest order: when two entries share a link, the
// lexicographically smaller name wins.
func NewResolver(manifest []config.Entry) *Resolver {
	r := &Resolver{
		names: make(map[string]bool, len(manifest)),
		links: make(map[string]string),
	}
	for _, entry := range manifest {
		r.names[entry.Name] = true
		for _, link := range entry.Sources() {
			if prev, ok := r.links[link]; !ok || entry.Name < prev {
				r.links[link] = entry.Name
			}
		}
	}
	return r
}

// Resolve rewrites every "!#include <target>" line of raw whose target names
// a manifest entry, either directly or through one of the entry's links
// (relative targets are resolved against entry's first link), into
// "!#include <name>". Unknown targets are left as they are. Other lines and
// line endings are untouched, and resolving resolved text is a no-op.
func (r *Resolver) Resolve(entry config.Entry, raw string) string {
	if !strings.Contains(raw, includeDirective) {
		return raw
	}

	var base *url.URL
	if sources := entry.Sources(); len(sources) > 0 {
		base, _ = url.Parse(sources[0])
	}

	lines := strings.SplitAfter(raw, "\n")
	for i, line := range lines {
		body, ending := splitEnding(line)
		trimmed := strings.TrimLeft(body, " \t")
		target, ok := includeTarget(trimmed)
		if !ok {
			continue
		}
		name, ok := r.lookup(base, target)
		if !ok {
			continue
		}
		indent := body[:len(body)-len(trimmed)]
		lines[i] = indent + includeDirective + " " + name + ending
	}
	return strings.Join(lines, "")
}

func (r *Resolver) lookup(base *url.URL, target string) (string, bool) {
	if r.names[target] {
		return target, true
	}

	ref, err := url.Parse(target)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	name, ok := r.links[ref.String()]
	return name, ok
}

// includeTarget extracts the target of an include directive line
func includeTarget(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, includeDirective)
	if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return "", false
	}
	target := strings.TrimSpace(rest)
	if target == "" {
		return "", false
	}
	return target, true
}

// splitEnding separates a line from its "\n" or "\r\n" terminator
func splitEnding(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}
