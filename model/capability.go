// Package model maps pipeline call types to configured model endpoints.
package model

// Capability is the semantic purpose of a model call. Each pipeline stage
// declares the capability it needs rather than a concrete model name.
type Capability string

const (
	// CapabilityAnalysis classifies user feedback into intent and feasibility.
	CapabilityAnalysis Capability = "analysis"
	// CapabilityPlanning produces a code-change plan.
	CapabilityPlanning Capability = "planning"
	// CapabilityTestgen synthesizes browser test cases.
	CapabilityTestgen Capability = "testgen"
	// CapabilityAssess scores a test run for the quality gate.
	CapabilityAssess Capability = "assess"
	// CapabilityChangelog writes the user-facing changelog.
	CapabilityChangelog Capability = "changelog"
)

// ParseCapability returns the known capability for s, or "" when unknown.
func ParseCapability(s string) Capability {
	switch Capability(s) {
	case CapabilityAnalysis, CapabilityPlanning, CapabilityTestgen,
		CapabilityAssess, CapabilityChangelog:
		return Capability(s)
	default:
		return ""
	}
}
