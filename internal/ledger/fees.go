package ledger

// feeBreakpoints is the exchange fee schedule: taker rate by share price.
// Fees peak at mid prices and vanish toward the extremes where a binary
// outcome is nearly decided. Rates between breakpoints interpolate linearly.
var feeBreakpoints = []struct {
	price float64
	rate  float64
}{
	{0.01, 0.0000},
	{0.05, 0.0006},
	{0.10, 0.0020},
	{0.15, 0.0041},
	{0.20, 0.0064},
	{0.25, 0.0088},
	{0.30, 0.0110},
	{0.35, 0.0129},
	{0.40, 0.0144},
	{0.45, 0.0153},
	{0.50, 0.0156},
	{0.55, 0.0153},
	{0.60, 0.0144},
	{0.65, 0.0129},
	{0.70, 0.0110},
	{0.75, 0.0088},
	{0.80, 0.0064},
	{0.85, 0.0041},
	{0.90, 0.0020},
	{0.95, 0.0006},
	{0.99, 0.0000},
}

// FeeRate returns the fee rate for a share price, clamped at the schedule's
// extremes.
func FeeRate(price float64) float64 {
	first := feeBreakpoints[0]
	last := feeBreakpoints[len(feeBreakpoints)-1]

	if price <= first.price {
		return first.rate
	}
	if price >= last.price {
		return last.rate
	}
	for i := 0; i < len(feeBreakpoints)-1; i++ {
		lo, hi := feeBreakpoints[i], feeBreakpoints[i+1]
		if price >= lo.price && price <= hi.price {
			return lo.rate + (hi.rate-lo.rate)*(price-lo.price)/(hi.price-lo.price)
		}
	}
	return last.rate
}

// Fee returns the fee charged on a trade of qty shares at price.
func Fee(price, qty float64) float64 {
	return price * qty * FeeRate(price)
}
