package node

import "slices"

// Capability names a feature an edge node may offer.
type Capability string

const (
	CapPromptOptimization Capability = "prompt_optimization"
	CapSemanticAnalysis   Capability = "semantic_analysis"
	CapModelInference     Capability = "model_inference"
	CapVectorSearch       Capability = "vector_search"
	CapCaching            Capability = "caching"
	CapCompression        Capability = "compression"
	CapLoadBalancing      Capability = "load_balancing"
)

// allCapabilities is the canonical ordering used for reporting.
var allCapabilities = []Capability{
	CapPromptOptimization,
	CapSemanticAnalysis,
	CapModelInference,
	CapVectorSearch,
	CapCaching,
	CapCompression,
	CapLoadBalancing,
}

// AllCapabilities returns every known capability in canonical order.
func AllCapabilities() []Capability {
	return slices.Clone(allCapabilities)
}

// IsValid reports whether c is a known capability.
func (c Capability) IsValid() bool {
	return slices.Contains(allCapabilities, c)
}

// RequiredCapabilities must all be enabled for a node to be admitted.
func RequiredCapabilities() []Capability {
	return []Capability{CapPromptOptimization, CapCaching}
}

// Capabilities is the set of named boolean flags declared by a node.
// A missing key is equivalent to false.
type Capabilities map[Capability]bool

// Has reports whether c is enabled.
func (c Capabilities) Has(want Capability) bool {
	return c[want]
}

// HasAll reports whether every capability in want is enabled.
func (c Capabilities) HasAll(want []Capability) bool {
	for _, w := range want {
		if !c[w] {
			return false
		}
	}
	return true
}

// Missing returns the capabilities of want that are not enabled.
func (c Capabilities) Missing(want []Capability) []Capability {
	var out []Capability
	for _, w := range want {
		if !c[w] {
			out = append(out, w)
		}
	}
	return out
}

// Enabled returns the enabled known capabilities in canonical order.
func (c Capabilities) Enabled() []Capability {
	out := make([]Capability, 0, len(c))
	for _, k := range allCapabilities {
		if c[k] {
			out = append(out, k)
		}
	}
	return out
}
