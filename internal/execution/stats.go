package execution

import "sync"

// AlgoStats tracks per-algorithm execution quality
type AlgoStats struct {
	Executions     int     `json:"executions"`
	Successes      int     `json:"successes"`
	AvgSlippagePct float64 `json:"avg_slippage_pct"`
}

type statsBook struct {
	mu    sync.Mutex
	algos map[Algo]*AlgoStats
}

func newStatsBook() *statsBook {
	return &statsBook{algos: make(map[Algo]*AlgoStats)}
}

// record folds one execution into the rolling average
func (b *statsBook) record(algo Algo, success bool, slippagePct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.algos[algo]
	if !ok {
		s = &AlgoStats{}
		b.algos[algo] = s
	}
	s.Executions++
	if success {
		s.Successes++
	}
	s.AvgSlippagePct += (slippagePct - s.AvgSlippagePct) / float64(s.Executions)
}

// Snapshot returns a copy of all per-algorithm stats
func (b *statsBook) Snapshot() map[Algo]AlgoStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Algo]AlgoStats, len(b.algos))
	for algo, s := range b.algos {
		out[algo] = *s
	}
	return out
}
