package execution

// marketState is the feature vector the algorithm selector sees
type marketState struct {
	UrgencyScore  float64
	OrderSizePct  float64
	Volatility    float64
	SpreadPct     float64
	VolumeRollAvg float64
}

// selectAlgo picks a concrete algorithm for ADAPTIVE orders. Rule order
// matters: urgency dominates, then hiding size, then volatility.
func selectAlgo(ms marketState) Algo {
	switch {
	case ms.UrgencyScore > 0.8:
		return AlgoTWAP
	case ms.OrderSizePct > 0.05 && ms.Volatility < 0.02:
		return AlgoIceberg
	case ms.Volatility > 0.05:
		return AlgoSniper
	default:
		return AlgoVWAP
	}
}
