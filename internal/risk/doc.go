// Package risk turns a market metrics snapshot into a risk report.
//
// Deterministic quick checks from the policy package run first. A CRITICAL
// result is final and the reasoning oracle is never consulted. Otherwise the
// oracle refines the assessment, and whatever it returns is filled against
// the quick-check result, which acts as a severity floor.
package risk
