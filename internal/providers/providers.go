// Package providers defines the provider identities Kleis speaks on both
// sides of the proxy: the internal provider naming the upstream account
// family (codex, claude, copilot) and the canonical provider naming the
// public wire protocol (openai, anthropic, github-copilot). The static
// route table maps incoming proxy paths to the internal provider and the
// upstream endpoint flavor, and model strings are normalized by stripping
// a canonical or internal provider prefix.
package providers

import "strings"

// Provider identifies an upstream account family.
type Provider string

const (
	Codex   Provider = "codex"
	Copilot Provider = "copilot"
	Claude  Provider = "claude"
)

// Canonical identifies the public wire protocol of a route.
type Canonical string

const (
	OpenAI        Canonical = "openai"
	Anthropic     Canonical = "anthropic"
	GitHubCopilot Canonical = "github-copilot"
)

// Endpoint names the upstream endpoint flavor of a route.
type Endpoint string

const (
	EndpointResponses       Endpoint = "responses"
	EndpointMessages        Endpoint = "messages"
	EndpointChatCompletions Endpoint = "chat_completions"
)

// All lists every supported internal provider.
var All = []Provider{Codex, Copilot, Claude}

// Valid reports whether s names a supported internal provider.
func Valid(s string) bool {
	switch Provider(s) {
	case Codex, Copilot, Claude:
		return true
	}
	return false
}

// Mapping ties an internal provider to its canonical identity, the base
// path its routes are served under, and the npm package hint used by the
// model registry.
type Mapping struct {
	Provider      Provider
	Canonical     Canonical
	RouteBasePath string
	NpmPackage    string
}

var mappings = []Mapping{
	{Provider: Codex, Canonical: OpenAI, RouteBasePath: "/openai/v1", NpmPackage: "@ai-sdk/openai"},
	{Provider: Claude, Canonical: Anthropic, RouteBasePath: "/anthropic/v1", NpmPackage: "@ai-sdk/anthropic"},
	{Provider: Copilot, Canonical: GitHubCopilot, RouteBasePath: "/copilot/v1", NpmPackage: "@ai-sdk/openai-compatible"},
}

// MappingFor returns the mapping for an internal provider.
func MappingFor(p Provider) (Mapping, bool) {
	for _, m := range mappings {
		if m.Provider == p {
			return m, true
		}
	}
	return Mapping{}, false
}

// MappingForCanonical returns the mapping for a canonical provider.
func MappingForCanonical(c Canonical) (Mapping, bool) {
	for _, m := range mappings {
		if m.Canonical == c {
			return m, true
		}
	}
	return Mapping{}, false
}

// Mappings returns the full static table in registration order.
func Mappings() []Mapping { return mappings }

// Route describes one proxied POST path.
type Route struct {
	// Path is the public HTTP path clients call.
	Path string
	// Canonical is the wire protocol of the path.
	Canonical Canonical
	// Endpoint is the upstream endpoint flavor.
	Endpoint Endpoint
	// Provider is the internal provider whose primary account serves it.
	Provider Provider
}

var routes = []Route{
	{Path: "/openai/v1/responses", Canonical: OpenAI, Endpoint: EndpointResponses, Provider: Codex},
	{Path: "/anthropic/v1/messages", Canonical: Anthropic, Endpoint: EndpointMessages, Provider: Claude},
	{Path: "/copilot/v1/chat/completions", Canonical: GitHubCopilot, Endpoint: EndpointChatCompletions, Provider: Copilot},
	{Path: "/copilot/v1/responses", Canonical: GitHubCopilot, Endpoint: EndpointResponses, Provider: Copilot},
}

// Routes returns the static proxy route table.
func Routes() []Route { return routes }

// RouteForPath resolves a request path to its route.
func RouteForPath(path string) (Route, bool) {
	for _, r := range routes {
		if r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// NormalizeModel strips a leading "<canonical>/" or "<provider>/" segment
// from model, returning the upstream model name and whether a prefix was
// removed. Models without a recognized prefix pass through unchanged.
func NormalizeModel(model string, route Route) (string, bool) {
	if model == "" {
		return "", false
	}
	idx := strings.Index(model, "/")
	if idx <= 0 {
		return model, false
	}
	prefix := model[:idx]
	if prefix == string(route.Canonical) || prefix == string(route.Provider) {
		return model[idx+1:], true
	}
	return model, false
}

// ModelCandidates expands a raw request model into the set of identifiers a
// model scope may name: the raw value, the unprefixed upstream value, and
// the canonical- and internal-prefixed forms. A raw model carrying a
// foreign prefix (one matching neither side of the route) yields no
// candidates at all, so no scope can admit it on this route.
func ModelCandidates(model string, route Route) []string {
	if model == "" {
		return nil
	}
	upstream, stripped := NormalizeModel(model, route)
	if !stripped && strings.Contains(model, "/") {
		return nil
	}
	seen := make(map[string]struct{}, 4)
	candidates := make([]string, 0, 4)
	for _, c := range []string{
		model,
		upstream,
		string(route.Canonical) + "/" + upstream,
		string(route.Provider) + "/" + upstream,
	} {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		candidates = append(candidates, c)
	}
	return candidates
}
