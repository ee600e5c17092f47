// Package liquidity forecasts how much of the treasury balance can be
// deployed without endangering upcoming obligations.
package liquidity
