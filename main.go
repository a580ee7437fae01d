package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/cache"
	"bookflow/config"
	"bookflow/feed"
	binancefeed "bookflow/feed/binance"
	bitgetfeed "bookflow/feed/bitget"
	bybitfeed "bookflow/feed/bybit"
	"bookflow/fetcher"
	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/internal/status"
	"bookflow/logger"
	"bookflow/service"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "config/feed_shards.yml", "Path to feed shard configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
	}).Info("starting bookflow")

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled {
		metrics.InitCloudWatch(cfg.Metrics)
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName,
			cfg.Metrics.AccessKeyID, cfg.Metrics.SecretAccessKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.SnapshotBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)
	metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	shardCfg, err := config.LoadFeedShards(*shardPath)
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}

	books := cache.New(cfg.Cache.Shards, cfg.Cache.Staleness.Std())
	bookWriter := cache.NewWriter(cfg, channels.Books, books)

	// A shard without explicit symbols covers the feed's full configured list,
	// which only makes sense when it is the lone shard.
	symbolsFor := func(shardSymbols, configured []string) []string {
		if len(shardSymbols) > 0 {
			return shardSymbols
		}
		if len(shardCfg.Shards) == 1 {
			return configured
		}
		return nil
	}

	var adapters []feed.Adapter
	for _, shard := range shardCfg.Shards {
		if cfg.Feeds.Bitget.Enabled {
			if symbols := symbolsFor(shard.BitgetSymbols, cfg.Feeds.Bitget.Symbols); len(symbols) > 0 {
				adapters = append(adapters, bitgetfeed.NewFeed(cfg, channels.Books, symbols, shard.IP))
			}
		}
		if cfg.Feeds.Binance.Enabled {
			if symbols := symbolsFor(shard.BinanceSymbols, cfg.Feeds.Binance.Symbols); len(symbols) > 0 {
				adapters = append(adapters, binancefeed.NewFeed(cfg, channels.Books, symbols, shard.IP))
			}
		}
		if cfg.Feeds.Bybit.Enabled {
			if symbols := symbolsFor(shard.BybitSymbols, cfg.Feeds.Bybit.Symbols); len(symbols) > 0 {
				adapters = append(adapters, bybitfeed.NewFeed(cfg, channels.Books, symbols))
			}
		}
	}
	if len(adapters) == 0 {
		log.Warn("no feed adapters configured; serving from REST fallback only")
	}

	localIP := ""
	if len(shardCfg.Shards) > 0 {
		localIP = shardCfg.Shards[0].IP
	}
	fallback := fetcher.New(cfg, localIP)
	svc := service.New(cfg, books, fallback)

	statusServer := status.NewServer(cfg, adapters, channels, books)

	if err := bookWriter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start book writer")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(a feed.Adapter) {
			defer wg.Done()
			if err := a.Start(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"exchange": a.Exchange(),
				}).Warn("feed adapter failed to start")
			}
		}(adapter)
	}

	statusServer.Start()
	go reportFreshBooks(ctx, svc, log)

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping status server")
		statusServer.Stop()

		log.Info("stopping feed adapters")
		for _, adapter := range adapters {
			adapter.Stop()
		}
		wg.Wait()

		log.Info("stopping book writer")
		bookWriter.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}

// reportFreshBooks emits how many books currently pass the best-price
// staleness filter, which is the coverage an aggregation call would see.
func reportFreshBooks(ctx context.Context, svc *service.Service, log *logger.Log) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.EmitMetric(log, "service", "fresh_books", len(svc.AllBestPrices()), "gauge", logger.Fields{})
		}
	}
}
