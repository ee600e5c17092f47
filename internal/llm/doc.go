// Package llm defines the reasoning-oracle capability consumed by the
// decision engine. Oracles are fallible black boxes: every structured answer
// is parsed into optional-field types by the caller and default-filled before
// use. Concrete providers live in sub-packages.
package llm
