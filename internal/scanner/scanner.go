package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/market"
)

const (
	defaultConcurrency = 4
	maxConcurrency     = 10
	perSymbolTimeout   = 60 * time.Second
	scoreThreshold     = 0.10
)

// Opportunity is a scored trading opening found by the scanner
type Opportunity struct {
	Symbol     string           `json:"symbol"`
	Signal     agents.Signal    `json:"signal"`
	Confidence float64          `json:"confidence"`
	Score      float64          `json:"score"`
	VenueHint  string           `json:"venue_hint,omitempty"`
	Reasons    []string         `json:"reasons,omitempty"`
	Snapshot   *market.Snapshot `json:"-"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Scanner sweeps the symbol universe for composite-score opportunities
type Scanner struct {
	universe    []string
	concurrency int64
	snapshotFn  func(ctx context.Context, symbol string) (*market.Snapshot, error)
}

// New creates a scanner over the given universe
func New(store *market.Store, universe []string, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	s := &Scanner{
		universe:    universe,
		concurrency: int64(concurrency),
	}
	if store != nil {
		s.snapshotFn = store.Snapshot
	}
	return s
}

// Scan analyzes the full universe and returns the top max opportunities
// by score. Single-symbol failures are swallowed; the scanner never
// propagates them.
func (s *Scanner) Scan(ctx context.Context, max int) []Opportunity {
	sem := semaphore.NewWeighted(s.concurrency)
	var mu sync.Mutex
	var found []Opportunity
	var wg sync.WaitGroup

	start := time.Now()
	for _, symbol := range s.universe {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)

			symCtx, cancel := context.WithTimeout(ctx, perSymbolTimeout)
			defer cancel()

			opp, ok := s.scanSymbol(symCtx, symbol)
			if !ok {
				return
			}
			mu.Lock()
			found = append(found, opp)
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Score > found[j].Score })
	if max > 0 && len(found) > max {
		found = found[:max]
	}

	log.Debug().
		Int("universe", len(s.universe)).
		Int("opportunities", len(found)).
		Dur("elapsed", time.Since(start)).
		Msg("Market scan complete")
	return found
}

func (s *Scanner) scanSymbol(ctx context.Context, symbol string) (Opportunity, bool) {
	snapshot, err := s.snapshotFn(ctx, symbol)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Scan skipped symbol")
		return Opportunity{}, false
	}

	composite, reasons := CompositeScore(snapshot)
	if composite < scoreThreshold && composite > -scoreThreshold {
		return Opportunity{}, false
	}

	signal := agents.SignalBuy
	if composite < 0 {
		signal = agents.SignalSell
		composite = -composite
	}
	confidence := 0.5 + composite
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Opportunity{
		Symbol:     symbol,
		Signal:     signal,
		Confidence: confidence,
		Score:      composite,
		Reasons:    reasons,
		Snapshot:   snapshot,
		Timestamp:  time.Now(),
	}, true
}
