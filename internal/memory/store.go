package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultCapacity = 1000

// Persister mirrors episodes to durable storage. Persistence is
// best-effort; failures are logged and retried on the next mutation.
type Persister interface {
	SaveEpisode(episode *Episode) error
}

// Stats summarizes the episode store
type Stats struct {
	Total       int     `json:"total"`
	WithOutcome int     `json:"with_outcome"`
	Profitable  int     `json:"profitable"`
	WinRate     float64 `json:"win_rate"`
	Symbols     int     `json:"symbols"`
}

// EpisodeStore holds episodes in memory as the authoritative copy, with
// optional write-through persistence. Recall ranks by token similarity.
type EpisodeStore struct {
	mu         sync.RWMutex
	episodes   map[string]*Episode
	bySymbol   map[string][]string
	recency    []string
	capacity   int
	persisters []Persister
	nowFunc    func() time.Time
}

// NewEpisodeStore creates an episode store with the given capacity.
// capacity <= 0 uses the default.
func NewEpisodeStore(capacity int, persisters ...Persister) *EpisodeStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &EpisodeStore{
		episodes:   make(map[string]*Episode),
		bySymbol:   make(map[string][]string),
		capacity:   capacity,
		persisters: persisters,
		nowFunc:    time.Now,
	}
}

// Store inserts an episode, assigning its ID if absent, and returns the ID
func (s *EpisodeStore) Store(episode *Episode) string {
	if episode.Timestamp.IsZero() {
		episode.Timestamp = s.nowFunc()
	}
	if episode.EpisodeID == "" {
		episode.EpisodeID = EpisodeIDFor(episode.Timestamp, episode.Symbol, episode.Signal)
	}

	s.mu.Lock()
	s.episodes[episode.EpisodeID] = episode
	s.bySymbol[episode.Symbol] = append(s.bySymbol[episode.Symbol], episode.EpisodeID)
	s.recency = append(s.recency, episode.EpisodeID)
	s.evictLocked()
	s.mu.Unlock()

	s.persist(episode)

	log.Debug().
		Str("episode_id", episode.EpisodeID).
		Str("symbol", episode.Symbol).
		Str("signal", episode.Signal).
		Msg("Episode stored")
	return episode.EpisodeID
}

// Preload seeds the store from durable storage at startup, oldest
// first, without writing back through the persisters
func (s *EpisodeStore) Preload(episodes []*Episode) {
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].Timestamp.Before(episodes[j].Timestamp)
	})

	s.mu.Lock()
	for _, episode := range episodes {
		if episode.EpisodeID == "" {
			continue
		}
		if _, seen := s.episodes[episode.EpisodeID]; seen {
			continue
		}
		s.episodes[episode.EpisodeID] = episode
		s.bySymbol[episode.Symbol] = append(s.bySymbol[episode.Symbol], episode.EpisodeID)
		s.recency = append(s.recency, episode.EpisodeID)
	}
	s.evictLocked()
	total := len(s.episodes)
	s.mu.Unlock()

	log.Info().Int("episodes", total).Msg("Episode memory preloaded")
}

// evictLocked drops the oldest episodes past capacity. Caller holds the lock.
func (s *EpisodeStore) evictLocked() {
	for len(s.episodes) > s.capacity && len(s.recency) > 0 {
		oldest := s.recency[0]
		s.recency = s.recency[1:]
		ep, ok := s.episodes[oldest]
		if !ok {
			continue
		}
		delete(s.episodes, oldest)
		ids := s.bySymbol[ep.Symbol]
		for i, id := range ids {
			if id == oldest {
				s.bySymbol[ep.Symbol] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// UpdateOutcome attaches (or replaces) the outcome for an episode.
// Idempotent; last write wins.
func (s *EpisodeStore) UpdateOutcome(episodeID string, outcome Outcome) bool {
	s.mu.Lock()
	episode, ok := s.episodes[episodeID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	episode.Outcome = &outcome
	s.mu.Unlock()

	s.persist(episode)
	return true
}

// AddReflection attaches the reflection triple to an episode
func (s *EpisodeStore) AddReflection(episodeID string, reflection Reflection) bool {
	s.mu.Lock()
	episode, ok := s.episodes[episodeID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	episode.WhatWorked = reflection.WhatWorked
	episode.WhatFailed = reflection.WhatFailed
	episode.Lesson = reflection.Lesson
	s.mu.Unlock()

	s.persist(episode)
	return true
}

func (s *EpisodeStore) persist(episode *Episode) {
	for _, p := range s.persisters {
		if err := p.SaveEpisode(episode); err != nil {
			log.Warn().Err(err).Str("episode_id", episode.EpisodeID).Msg("Episode persistence failed")
		}
	}
}

// GetByID returns an episode by ID
func (s *EpisodeStore) GetByID(episodeID string) (*Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	episode, ok := s.episodes[episodeID]
	return episode, ok
}

// GetRecent returns up to limit episodes, newest first
func (s *EpisodeStore) GetRecent(limit int) []*Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Episode, 0, limit)
	for i := len(s.recency) - 1; i >= 0 && len(out) < limit; i-- {
		if episode, ok := s.episodes[s.recency[i]]; ok {
			out = append(out, episode)
		}
	}
	return out
}

// GetStats summarizes the store
func (s *EpisodeStore) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.episodes), Symbols: len(s.bySymbol)}
	for _, episode := range s.episodes {
		if episode.Outcome == nil {
			continue
		}
		stats.WithOutcome++
		if episode.Outcome.PnL > 0 {
			stats.Profitable++
		}
	}
	if stats.WithOutcome > 0 {
		stats.WinRate = float64(stats.Profitable) / float64(stats.WithOutcome)
	}
	return stats
}

// RecallSimilar returns up to limit episodes ranked by similarity to the
// current market state text. When symbol is non-empty only that symbol's
// episodes are considered. preferProfitable boosts winning episodes.
func (s *EpisodeStore) RecallSimilar(stateText, symbol string, limit int, preferProfitable bool) []*Episode {
	if limit <= 0 {
		limit = 5
	}
	queryTokens := tokenize(stateText)
	now := s.nowFunc()

	s.mu.RLock()
	var candidates []*Episode
	if symbol != "" {
		for _, id := range s.bySymbol[symbol] {
			if episode, ok := s.episodes[id]; ok {
				candidates = append(candidates, episode)
			}
		}
	} else {
		for _, episode := range s.episodes {
			candidates = append(candidates, episode)
		}
	}
	s.mu.RUnlock()

	type ranked struct {
		episode *Episode
		score   float64
	}
	scored := make([]ranked, 0, len(candidates))
	for _, episode := range candidates {
		score := jaccard(queryTokens, tokenize(episode.MarketStateEmbedding))
		if preferProfitable && episode.Profitable() {
			score *= 1.3
		}
		ageDays := now.Sub(episode.Timestamp).Hours() / 24
		if bonus := 1 - ageDays/30; bonus > 0 {
			score += bonus * 0.1
		}
		scored = append(scored, ranked{episode, score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].episode.Timestamp.After(scored[j].episode.Timestamp)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]*Episode, len(scored))
	for i, r := range scored {
		out[i] = r.episode
	}
	return out
}
