package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"klinesync/config"
	"klinesync/internal/catalog"
	"klinesync/internal/metrics"
	"klinesync/internal/pipeline"
	"klinesync/internal/symbols"
	"klinesync/logger"
	"klinesync/reader/binance"
	"klinesync/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	pairsFlag := flag.String("pairs", "", "Comma separated pairs, e.g. BTC/USDT:USDT,ETH/USDT:USDT")
	intervalsFlag := flag.String("intervals", "", "Comma separated kline intervals, e.g. 5m,1h")
	fromFlag := flag.String("from", "", "Start date YYYY-MM-DD for pairs without an archive")
	noProgress := flag.Bool("no-progress", false, "Disable per segment progress reporting")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if v := splitList(*pairsFlag); len(v) > 0 {
		cfg.Sync.Pairs = v
	}
	if v := splitList(*intervalsFlag); len(v) > 0 {
		cfg.Sync.Intervals = v
	}
	if *fromFlag != "" {
		cfg.Sync.FallbackStart = *fromFlag
	}
	if *noProgress {
		cfg.Sync.Progress = false
	}
	if len(cfg.Sync.Pairs) == 0 {
		log.Error("no pairs configured; set sync.pairs or -pairs")
		os.Exit(1)
	}
	fallbackStart, err := cfg.Sync.FallbackStartDate()
	if err != nil {
		log.WithError(err).Error("invalid start date")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Klinesync.Name,
		"version":   cfg.Klinesync.Version,
		"pairs":     len(cfg.Sync.Pairs),
		"intervals": cfg.Sync.Intervals,
	}).Info("starting klinesync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	prom := metrics.NewPrometheus()
	if addr := cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			if err := prom.Serve(ctx, addr); err != nil {
				log.WithError(err).Warn("prometheus endpoint stopped")
			}
		}()
	}

	cat, err := catalog.Load(ctx, catalogSource(cfg))
	if err != nil {
		log.WithError(err).Error("failed to load symbol catalog")
		os.Exit(1)
	}
	log.WithComponent("main").WithFields(logger.Fields{"symbols": cat.Len()}).Info("symbol catalog loaded")

	store, err := archiveStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create archive store")
		os.Exit(1)
	}

	normalize, err := symbols.ForNotation(cfg.Sync.PairNotation)
	if err != nil {
		log.WithError(err).Error("invalid pair notation")
		os.Exit(1)
	}

	observers := []metrics.Observer{prom}
	var progress *metrics.Progress
	if cfg.Sync.Progress {
		progress = metrics.NewProgress(log)
		observers = append(observers, progress)
	}

	reader := binance.NewKlineReader(cfg, binance.WithObserver(metrics.Multi(observers...)))
	syncer := pipeline.NewSyncer(cat, reader,
		pipeline.WithMaxInFlight(cfg.Sync.MaxInFlight),
		pipeline.WithProgress(progress),
	)
	downloader := pipeline.NewDownloader(syncer, store,
		pipeline.WithNormalizer(normalize),
		pipeline.WithPrometheus(prom),
	)

	results := downloader.EnsureTickers(ctx, cfg.Sync.Pairs, cfg.Sync.Intervals, fallbackStart)

	counts := map[pipeline.Status]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	log.WithFields(logger.Fields{
		"updated":     counts[pipeline.StatusUpdated],
		"no_new_data": counts[pipeline.StatusNoNewData],
		"failed":      counts[pipeline.StatusError],
	}).Info("klinesync finished")

	if counts[pipeline.StatusError] > 0 {
		os.Exit(1)
	}
}

func catalogSource(cfg *config.Config) catalog.Source {
	client := &http.Client{Timeout: cfg.Sync.RequestTimeout}
	if cfg.Source.Catalog == config.CatalogExchangeInfo {
		return catalog.NewExchangeInfoSource(cfg.Source.ExchangeInfoURL, client)
	}
	return &catalog.DownloadOptionsSource{
		URL:       cfg.Source.CatalogURL,
		BizType:   cfg.Source.BizType,
		ProductID: cfg.Source.ProductID,
		Client:    client,
	}
}

func archiveStore(ctx context.Context, cfg *config.Config) (writer.ArchiveStore, error) {
	if cfg.Storage.Backend == config.BackendS3 {
		return writer.NewS3Store(ctx, cfg)
	}
	return writer.NewCSVStore(cfg.Storage.Local.Dir), nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
