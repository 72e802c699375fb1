// Command engine runs the autonomous trading engine: one process owning
// market data, the agent population, consensus, risk, execution, and the
// HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/alerts"
	"github.com/quantfold/tradeswarm/internal/api"
	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/consensus"
	"github.com/quantfold/tradeswarm/internal/engine"
	"github.com/quantfold/tradeswarm/internal/events"
	"github.com/quantfold/tradeswarm/internal/exchange"
	"github.com/quantfold/tradeswarm/internal/execution"
	"github.com/quantfold/tradeswarm/internal/llm"
	"github.com/quantfold/tradeswarm/internal/market"
	"github.com/quantfold/tradeswarm/internal/memory"
	"github.com/quantfold/tradeswarm/internal/metrics"
	"github.com/quantfold/tradeswarm/internal/positions"
	"github.com/quantfold/tradeswarm/internal/risk"
	"github.com/quantfold/tradeswarm/internal/scanner"
	"github.com/quantfold/tradeswarm/internal/store"
)

const (
	paperStartingBalance = 10_000
	shutdownGrace        = 30 * time.Second
	priceCacheTTL        = 30 * time.Second

	exitClean     = 0
	exitStartup   = 1
	exitInvariant = 2
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml, ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitStartup)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.ResolveSecrets(ctx); err != nil {
		log.Error().Err(err).Msg("Secret resolution failed")
		os.Exit(exitStartup)
	}

	os.Exit(run(ctx, cfg))
}

func run(ctx context.Context, cfg *config.Config) int {
	log.Info().
		Str("app", cfg.App.Name).
		Bool("paper_trading", cfg.Trading.EnablePaperTrading).
		Strs("symbols", cfg.Trading.Symbols).
		Msg("Starting trading engine")

	// Event bus, optionally over an in-process NATS server
	busURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
		if err != nil {
			log.Error().Err(err).Msg("Embedded NATS server failed to build")
			return exitStartup
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			log.Error().Msg("Embedded NATS server not ready")
			return exitStartup
		}
		defer ns.Shutdown()
		busURL = ns.ClientURL()
	}
	var bus *events.Bus
	if b, err := events.NewBus(events.Config{URL: busURL}); err != nil {
		log.Warn().Err(err).Msg("Event bus unavailable, continuing without it")
	} else {
		bus = b
		defer bus.Close()
	}

	// Venue adapters and the live price stream
	router := exchange.NewRouter()
	book := exchange.NewPriceBook()
	if cfg.Trading.EnablePaperTrading {
		router.Register(exchange.NewPaperAdapter("paper", book.Price, paperStartingBalance), cfg.Trading.Symbols)
	} else {
		for _, name := range venueNames(cfg) {
			vc := cfg.Venues[name]
			router.Register(exchange.NewRESTAdapter(exchange.RESTConfig{
				Name:    name,
				APIKey:  vc.APIKey,
				Secret:  vc.APISecret,
				BaseURL: vc.RESTBaseURL,
			}), vc.Symbols)
		}
	}
	if len(router.Adapters()) == 0 {
		log.Error().Msg("No venues configured")
		return exitStartup
	}
	for _, name := range venueNames(cfg) {
		vc := cfg.Venues[name]
		if vc.WSBaseURL == "" {
			continue
		}
		go exchange.NewTradeStream(vc.WSBaseURL, vc.Symbols, book).Run(ctx)
	}

	// Market data pipeline
	source := marketSource(cfg)
	marketStore := market.NewStore(market.NewPipeline(source, cfg.Trading.SyntheticSymbols))
	if cfg.Redis.Enabled {
		if cache, err := market.NewPriceCache(cfg.Redis.URL, priceCacheTTL); err != nil {
			log.Warn().Err(err).Msg("Redis price cache unavailable")
		} else {
			go mirrorPrices(ctx, book, cache)
		}
	}

	// Durable state
	files, err := store.NewFileStore(cfg.App.DataDir, 5000)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.App.DataDir).Msg("State directory rejected")
		return exitStartup
	}
	persisters := []memory.Persister{files}
	if cfg.Postgres.Enabled {
		if mirror, err := memory.NewPgMirror(ctx, cfg.Postgres.URL); err != nil {
			log.Warn().Err(err).Msg("Postgres episode mirror unavailable")
		} else {
			persisters = append(persisters, mirror)
			defer mirror.Close()
		}
	}
	episodes := memory.NewEpisodeStore(cfg.Memory.MaxEpisodes, persisters...)
	if loaded, err := files.LoadEpisodes(); err != nil {
		log.Warn().Err(err).Msg("Episode preload failed")
	} else {
		episodes.Preload(loaded)
	}

	// Agents, consensus, risk, execution
	var completer llm.Completer
	if cfg.LLM.Enabled {
		completer = llm.NewClient(llm.ClientConfig{
			Endpoint:    cfg.LLM.Endpoint,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.LLMTimeout(),
			MaxRetries:  cfg.LLM.MaxRetries,
		})
	}
	population := agents.NewPopulation(marketStore, files, completer, agents.PopulationConfig{
		ExplorationRate: cfg.Trading.BanditEpsilon,
		LLMTimeout:      cfg.LLM.LLMTimeout(),
	})
	riskMgr := risk.NewManager(cfg.Risk)
	posMgr := positions.NewManager(router)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Router:    router,
		Scanner:   scanner.New(marketStore, cfg.Trading.Symbols, cfg.Trading.ScannerConcurrency),
		Agents:    population,
		Consensus: consensus.New(cfg.Consensus.SigmoidWeighting),
		Risk:      riskMgr,
		Breaker:   risk.NewDailyBreaker(cfg.Risk.MaxDailyLoss),
		Execution: execution.NewEngine(router, riskMgr, book.Price, volumeProfile(source), cfg.Execution),
		Positions: posMgr,
		Episodes:  episodes,
		Reflector: memory.NewReflector(completer, episodes),
		Prices:    book,
		Files:     files,
		Bus:       bus,
		Alerts:    buildAlerts(cfg, bus),
	})

	restorePositions(ctx, posMgr, population, files)

	metricsServer := metrics.NewServer(cfg.App.MetricsPort, config.NewLogger("metrics"))
	if err := metricsServer.Start(); err != nil {
		log.Error().Err(err).Msg("Metrics server failed to start")
		return exitStartup
	}
	apiServer := api.NewServer(cfg.API, eng)
	if err := apiServer.Start(); err != nil {
		log.Error().Err(err).Msg("API server failed to start")
		return exitStartup
	}
	if err := eng.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine failed to start")
		return exitStartup
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine stop failed")
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server stop failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server stop failed")
	}

	if open := posMgr.Count(); open > 0 {
		log.Error().Int("open_positions", open).Msg("Positions still open after shutdown close")
		return exitInvariant
	}
	log.Info().Msg("Clean shutdown")
	return exitClean
}

// venueNames returns configured venue names in stable order
func venueNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// marketSource builds the candle/depth source from the first configured
// venue's credentials; paper deployments use public endpoints.
func marketSource(cfg *config.Config) *market.BinanceSource {
	for _, name := range venueNames(cfg) {
		vc := cfg.Venues[name]
		return market.NewBinanceSource(vc.APIKey, vc.APISecret, vc.RESTBaseURL)
	}
	return market.NewBinanceSource("", "", "")
}

// volumeProfile buckets the last day's hourly volume for VWAP slicing
func volumeProfile(source market.DataSource) execution.VolumeProfileFn {
	return func(ctx context.Context, symbol string) ([24]float64, error) {
		var profile [24]float64
		candles, err := source.Candles(ctx, symbol, "1h", 24)
		if err != nil {
			return profile, err
		}
		for _, c := range candles {
			profile[c.OpenTime.UTC().Hour()] += c.Volume
		}
		return profile, nil
	}
}

func buildAlerts(cfg *config.Config, bus *events.Bus) *alerts.Manager {
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}
	if bus != nil {
		alerters = append(alerters, alerts.NewBusAlerter(bus))
	}
	if cfg.Telegram.Enabled {
		if tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, []int64{cfg.Telegram.ChatID}); err != nil {
			log.Warn().Err(err).Msg("Telegram alerter unavailable")
		} else {
			alerters = append(alerters, tg)
		}
	}
	return alerts.NewManager(alerters...)
}

// restorePositions re-opens persisted positions and reviews them against
// a fresh analysis before the first tick
func restorePositions(ctx context.Context, posMgr *positions.Manager, population *agents.Population, files *store.FileStore) {
	saved, err := files.LoadPositions()
	if err != nil {
		log.Warn().Err(err).Msg("Position restore failed")
		return
	}
	for i := range saved {
		pos := saved[i]
		if err := posMgr.Open(&pos); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Persisted position rejected")
		}
	}
	if len(saved) == 0 {
		return
	}

	roster := population.All()
	if len(roster) == 0 {
		return
	}
	reviewer := roster[0]
	posMgr.ReviewInherited(ctx, func(ctx context.Context, symbol string) (agents.Signal, float64, error) {
		thesis, err := reviewer.Analyze(ctx, symbol)
		if err != nil {
			return agents.SignalHold, 0, err
		}
		return thesis.Signal, thesis.Confidence, nil
	})
}

// mirrorPrices publishes the latest stream prices into the shared cache
func mirrorPrices(ctx context.Context, book *exchange.PriceBook, cache *market.PriceCache) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for symbol, price := range book.Prices() {
				cache.SetPrice(ctx, symbol, price)
			}
		}
	}
}
