package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/engine"
	"depthflow/logger"
	"depthflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(
			cfg.Metrics.CloudWatch.Region,
			cfg.Metrics.CloudWatch.Namespace,
			cfg.Metrics.CloudWatch.Dashboard,
		)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to build engine")
		os.Exit(1)
	}

	var releases []func()

	for venue, symbols := range map[string][]string{
		"binance": cfg.Venues.Binance.Symbols,
		"bybit":   cfg.Venues.Bybit.Symbols,
		"okx":     cfg.Venues.Okx.Symbols,
	} {
		for _, sym := range symbols {
			key := models.InstrumentKey{Venue: venue, Symbol: sym}
			bookLog := log.WithComponent("book_feed").WithFields(logger.Fields{"instrument": key.String()})
			release, err := eng.SubscribeOrderBook(key, func(mb models.MaterializedBook) {
				bookLog.WithFields(logger.Fields{
					"mid":    mb.MidPrice,
					"spread": mb.SpreadPercent,
					"bids":   len(mb.Bids),
					"asks":   len(mb.Asks),
				}).Debug("book update")
			})
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"instrument": key.String()}).Warn("orderbook subscription failed")
				continue
			}
			releases = append(releases, release)
		}
	}

	tickerLog := log.WithComponent("ticker_feed")
	statusLog := log.WithComponent("conn_status")
	releaseTickers, err := eng.SubscribeTicker(
		func(key models.InstrumentKey, m models.TickerMetrics) {
			tickerLog.WithFields(logger.Fields{
				"instrument": key.String(),
				"price":      m.Price,
				"change_1h":  m.Change1h,
				"rvol":       m.RVOL,
			}).Debug("metrics update")
		},
		func(st models.ConnStatus) {
			entry := statusLog.WithFields(logger.Fields{
				"venue":    st.Venue,
				"channel":  string(st.Channel),
				"state":    string(st.State),
				"attempts": st.Attempts,
			})
			if st.State == models.StateFailed {
				entry.Error("connection permanently failed")
				return
			}
			entry.Info("connection state changed")
		},
	)
	if err != nil {
		log.WithError(err).Error("Failed to subscribe ticker universe")
		os.Exit(1)
	}
	releases = append(releases, releaseTickers)

	log.Info("all subscriptions established")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	for _, release := range releases {
		release()
	}
	eng.Shutdown()

	stats := eng.Stats()
	log.WithFields(logger.Fields{
		"messages_read": stats.MessagesRead,
		"events_routed": stats.EventsRouted,
		"reconnects":    stats.Reconnects,
	}).Info("final counters")

	log.Info("depthflow stopped")
}
