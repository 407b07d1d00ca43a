package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv" // For loading .env files
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ladder-trading-bot/broker"
	"ladder-trading-bot/ladder"
	"ladder-trading-bot/monitor"
	"ladder-trading-bot/recenter"
	"ladder-trading-bot/risk"
)

// appConfig collects everything loaded from the environment. The real broker
// session lives outside this module; the bot runs against the simulated
// gateway so the control loops can be exercised end to end.
type appConfig struct {
	Epic        string
	MetricsAddr string
	RateRPS     int

	Limits   risk.Limits
	Monitor  monitor.Config
	Recenter recenter.Config

	PlaceOnStart bool
	Ladder       ladder.Params

	SimBid     float64
	SimOffer   float64
	SimBalance float64
	SimMinDist float64
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func loadConfigFromEnv() appConfig {
	cfg := appConfig{
		Epic:        envString("EPIC", "IX.D.FTSE.DAILY.IP"),
		MetricsAddr: envString("METRICS_ADDR", ":9090"),
		RateRPS:     envInt("RATE_LIMIT_RPS", 2),

		SimBid:     envFloat("SIM_BID", 1999.5),
		SimOffer:   envFloat("SIM_OFFER", 2000.5),
		SimBalance: envFloat("SIM_BALANCE", 10000),
		SimMinDist: envFloat("SIM_MIN_DISTANCE", 0),
	}

	cfg.Limits = risk.Limits{
		MaxDailyLoss:     decimal.NewFromFloat(envFloat("MAX_DAILY_LOSS", 200)),
		MaxPositionSize:  decimal.NewFromFloat(envFloat("MAX_POSITION_SIZE", 5)),
		MaxTotalExposure: decimal.NewFromFloat(envFloat("MAX_TOTAL_EXPOSURE", 1000)),
		MaxMarginUsage:   decimal.NewFromFloat(envFloat("MAX_MARGIN_USAGE", 0.30)),
		MaxOpenPositions: envInt("MAX_POSITIONS", 10),
	}

	cfg.Monitor = monitor.Config{
		AutoStop:          envBool("AUTO_STOP", true),
		AutoStopDistance:  envFloat("AUTO_STOP_DISTANCE", 20),
		AutoLimit:         envBool("AUTO_LIMIT", false),
		AutoLimitDistance: envFloat("AUTO_LIMIT_DISTANCE", 5),
		Trailing:          envBool("AUTO_TRAILING", false),
		TrailingDistance:  envFloat("TRAILING_DISTANCE", 15),
		TrailingStep:      envFloat("TRAILING_STEP", 5),
		VerifyStops:       envBool("VERIFY_STOPS", true),
		CheckInterval:     time.Duration(envInt("MONITOR_INTERVAL_SEC", 10)) * time.Second,
		MaxLevelRetries:   envInt("MAX_LEVEL_RETRIES", 5),
	}

	cfg.Recenter = recenter.Config{
		Epic:            cfg.Epic,
		CheckInterval:   time.Duration(envInt("RECENTER_INTERVAL_SEC", 30)) * time.Second,
		AdjustThreshold: envFloat("ADJUST_THRESHOLD", 10),
	}

	direction := broker.DirectionBuy
	if envString("LADDER_DIRECTION", "BUY") == "SELL" {
		direction = broker.DirectionSell
	}
	cfg.PlaceOnStart = envBool("PLACE_LADDER", false)
	cfg.Ladder = ladder.Params{
		Epic:           cfg.Epic,
		Direction:      direction,
		StartOffset:    envFloat("LADDER_START_OFFSET", 5),
		StepSize:       envFloat("LADDER_STEP_SIZE", 10),
		NumOrders:      envInt("LADDER_NUM_ORDERS", 4),
		Size:           envFloat("LADDER_ORDER_SIZE", 1),
		RetryJump:      envFloat("LADDER_RETRY_JUMP", 10),
		MaxRetries:     envInt("LADDER_MAX_RETRIES", 3),
		StopDistance:   envFloat("LADDER_STOP_DISTANCE", 20),
		LimitDistance:  envFloat("LADDER_LIMIT_DISTANCE", 0),
		GuaranteedStop: envBool("LADDER_GUARANTEED_STOP", false),
	}

	return cfg
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Overload(); err != nil {
		log.Printf("No .env file loaded (not fatal, relying on existing env vars): %v", err)
	}

	cfg := loadConfigFromEnv()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	log.Printf("🚀 Ladder Trading Bot")
	log.Printf("├─ Instrument: %s", cfg.Epic)
	log.Printf("├─ Auto-stop: %v (%.1f pts)", cfg.Monitor.AutoStop, cfg.Monitor.AutoStopDistance)
	log.Printf("├─ Trailing: %v (%.1f/%.1f pts)", cfg.Monitor.Trailing, cfg.Monitor.TrailingDistance, cfg.Monitor.TrailingStep)
	log.Printf("├─ Recenter threshold: %.1f pts", cfg.Recenter.AdjustThreshold)
	log.Printf("└─ Metrics: %s/metrics", cfg.MetricsAddr)

	// Simulated gateway: the real broker session client is wired in by the
	// host application; the bot itself only needs the Gateway contract.
	sim := broker.NewSim()
	sim.SetQuote(cfg.Epic, cfg.SimBid, cfg.SimOffer)
	sim.SetAccount(broker.AccountInfo{
		Balance:   cfg.SimBalance,
		Available: cfg.SimBalance,
	})
	sim.SetMarginFactor(cfg.Epic, 0.05)
	if cfg.SimMinDist > 0 {
		sim.SetMinDistance(cfg.Epic, cfg.SimMinDist)
	}

	say := func(msg string) { log.Print(msg) }
	limiter := broker.NewLimiter(cfg.RateRPS)

	gate := risk.NewGate(sim, cfg.Limits, logger)
	placer := ladder.NewPlacer(sim, limiter, logger, say)
	mon := monitor.New(sim, cfg.Monitor, limiter, logger, say)
	rec := recenter.New(sim, cfg.Recenter, limiter, logger, say)

	mon.Start()
	rec.Start()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if cfg.PlaceOnStart {
		go func() {
			allowed, checks := gate.Evaluate(cfg.Ladder.Size, cfg.Epic)
			for _, c := range checks {
				status := "PASS"
				if !c.Passed {
					status = "FAIL"
				}
				say(fmt.Sprintf("Risk check [%s] %s: %s", status, c.Name, c.Message))
			}
			if !allowed {
				say("Ladder blocked by risk gate")
				return
			}
			placed, requested := placer.PlaceLadder(cfg.Ladder)
			if placed < requested {
				say(fmt.Sprintf("⚠️ Partial ladder: %d/%d orders working", placed, requested))
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Printf("🛑 Shutdown signal received, stopping workers...")
	placer.RequestCancel()
	mon.Stop()
	rec.Stop()
	log.Printf("✅ Ladder trading bot stopped")
}
