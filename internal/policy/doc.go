// Package policy holds the deterministic quick-check gates of the treasury
// decision engine: risk triggers derived from market metrics, the critical
// balance floor, and rule validation of allocation proposals. Every function
// in this package is pure; it never consults the reasoning oracle and keeps no
// state between calls.
package policy
