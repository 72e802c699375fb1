package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/memory"
	"github.com/quantfold/tradeswarm/internal/positions"
)

// SchemaVersion is the current on-disk schema. Files written by a newer
// schema are refused at startup rather than silently misread.
const SchemaVersion = "1.0.0"

const (
	metaFile      = "meta.json"
	positionsFile = "positions.json"
	tradesFile    = "trades.json"
	episodesDir   = "episodes"

	defaultTradeCap = 500
)

type metaEnvelope struct {
	SchemaVersion string `json:"schema_version"`
}

type positionsEnvelope struct {
	SchemaVersion string                        `json:"schema_version"`
	Positions     map[string]positions.Position `json:"positions"`
}

type tradesEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	Trades        []agents.TradeOutcome `json:"trades"`
}

// FileStore persists engine state as JSON under one directory: a
// positions map written through on every mutation, a bounded rolling
// trades file, and one file per episode. All writes are atomic
// (temp file + rename) and best-effort.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	tradeCap int
	trades   []agents.TradeOutcome
}

var _ agents.OutcomeSink = (*FileStore)(nil)
var _ memory.Persister = (*FileStore)(nil)

// NewFileStore opens (or initializes) the state directory and verifies
// schema compatibility. tradeCap <= 0 uses the default.
func NewFileStore(dir string, tradeCap int) (*FileStore, error) {
	if tradeCap <= 0 {
		tradeCap = defaultTradeCap
	}
	if err := os.MkdirAll(filepath.Join(dir, episodesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &FileStore{dir: dir, tradeCap: tradeCap}
	if err := s.checkSchema(); err != nil {
		return nil, err
	}
	if trades, err := s.LoadTrades(); err == nil {
		s.trades = trades
	}
	return s, nil
}

// checkSchema refuses state written by a newer schema and stamps the
// current version otherwise
func (s *FileStore) checkSchema() error {
	path := filepath.Join(s.dir, metaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return writeJSONAtomic(path, metaEnvelope{SchemaVersion: SchemaVersion})
		}
		return fmt.Errorf("failed to read state meta: %w", err)
	}

	var meta metaEnvelope
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("corrupt state meta: %w", err)
	}
	if meta.SchemaVersion == "" {
		return fmt.Errorf("state meta missing schema version")
	}

	found, err := semver.NewVersion(meta.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid state schema version %q: %w", meta.SchemaVersion, err)
	}
	supported := semver.MustParse(SchemaVersion)
	if found.GreaterThan(supported) {
		return fmt.Errorf("state schema %s is newer than supported %s", meta.SchemaVersion, SchemaVersion)
	}
	if !found.Equal(supported) {
		log.Info().
			Str("from", meta.SchemaVersion).
			Str("to", SchemaVersion).
			Msg("Upgrading state schema")
		return writeJSONAtomic(path, metaEnvelope{SchemaVersion: SchemaVersion})
	}
	return nil
}

// SavePositions writes the full positions map through to disk
func (s *FileStore) SavePositions(open []positions.Position) {
	bySymbol := make(map[string]positions.Position, len(open))
	for _, pos := range open {
		bySymbol[pos.Symbol] = pos
	}
	env := positionsEnvelope{SchemaVersion: SchemaVersion, Positions: bySymbol}
	if err := writeJSONAtomic(filepath.Join(s.dir, positionsFile), env); err != nil {
		log.Warn().Err(err).Msg("Positions persistence failed")
	}
}

// LoadPositions reads the persisted positions map. A missing file is an
// empty book, not an error.
func (s *FileStore) LoadPositions() ([]positions.Position, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read positions file: %w", err)
	}
	var env positionsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt positions file: %w", err)
	}
	out := make([]positions.Position, 0, len(env.Positions))
	for _, pos := range env.Positions {
		out = append(out, pos)
	}
	return out, nil
}

// RecordTradeOutcome appends to the rolling trades file, trimming the
// oldest entries past the cap
func (s *FileStore) RecordTradeOutcome(outcome agents.TradeOutcome) {
	s.mu.Lock()
	s.trades = append(s.trades, outcome)
	if len(s.trades) > s.tradeCap {
		s.trades = s.trades[len(s.trades)-s.tradeCap:]
	}
	env := tradesEnvelope{SchemaVersion: SchemaVersion, Trades: append([]agents.TradeOutcome(nil), s.trades...)}
	s.mu.Unlock()

	if err := writeJSONAtomic(filepath.Join(s.dir, tradesFile), env); err != nil {
		log.Warn().Err(err).Str("agent_id", outcome.AgentID).Msg("Trade persistence failed")
	}
}

// LoadTrades reads the rolling trades file
func (s *FileStore) LoadTrades() ([]agents.TradeOutcome, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, tradesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read trades file: %w", err)
	}
	var env tradesEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt trades file: %w", err)
	}
	return env.Trades, nil
}

// SaveEpisode writes one episode to its own file, named by episode ID
func (s *FileStore) SaveEpisode(episode *memory.Episode) error {
	if episode.EpisodeID == "" {
		return fmt.Errorf("episode missing id")
	}
	path := filepath.Join(s.dir, episodesDir, episode.EpisodeID+".json")
	if err := writeJSONAtomic(path, episode); err != nil {
		return fmt.Errorf("failed to persist episode %s: %w", episode.EpisodeID, err)
	}
	return nil
}

// LoadEpisodes reads every persisted episode. Unreadable files are
// skipped with a warning so one bad file cannot block startup.
func (s *FileStore) LoadEpisodes() ([]*memory.Episode, error) {
	dir := filepath.Join(s.dir, episodesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read episodes directory: %w", err)
	}

	var episodes []*memory.Episode
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable episode")
			continue
		}
		var episode memory.Episode
		if err := json.Unmarshal(data, &episode); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping corrupt episode")
			continue
		}
		episodes = append(episodes, &episode)
	}
	return episodes, nil
}

// writeJSONAtomic marshals v and replaces path via temp file + rename
// so readers never observe a partial write
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
