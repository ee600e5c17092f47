// Package agent contains the decision orchestrator. Once per cycle it reads
// the treasury state, short-circuits on emergency mode or a critically low
// balance, and otherwise runs a bounded tool-invocation loop over the risk,
// liquidity, allocation and withdrawal collaborators before reconciling the
// accumulated reports into a single Decision.
package agent
