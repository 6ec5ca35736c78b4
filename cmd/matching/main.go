// Command matching runs the matching engine service: it consumes order
// commands from a Redis Stream, feeds them to one in-process matching engine
// per symbol, and publishes trades/order updates to an output stream.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sam044/falcon-exchange/internal/config"
	"github.com/sam044/falcon-exchange/internal/handler"
	"github.com/sam044/falcon-exchange/internal/metrics"
	"github.com/sam044/falcon-exchange/internal/platform/health"
	"github.com/sam044/falcon-exchange/internal/platform/logger"
	"github.com/sam044/falcon-exchange/internal/platform/snowflake"
	"github.com/sam044/falcon-exchange/internal/recovery"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil)

	log.Info(fmt.Sprintf("starting %s for symbol %s", cfg.ServiceName, cfg.Symbol))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}
	if err := snowflake.Init(cfg.WorkerID); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init snowflake:", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     200,
		MinIdleConns: 20,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect to redis:", err)
		os.Exit(1)
	}
	log.Info("connected to redis at " + cfg.RedisAddr)

	var orderLoader handler.OrderLoader
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Warn("failed to open postgres connection, starting without recovery")
		} else {
			orderLoader = recovery.NewDBOrderLoader(db)
		}
	}

	h := handler.NewHandler(redisClient, &handler.Config{
		OrderStream: cfg.InputStream,
		EventStream: cfg.OutputStream,
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		DedupeTTL:   time.Duration(cfg.DedupeTTLSecs) * time.Second,
		OrderLoader: orderLoader,
		Logger:      log,
		TradeIDFunc: func() uint64 {
			id, err := snowflake.NextID()
			if err != nil {
				// 时钟回拨等极端情况下退化为时间戳，保证不阻塞撮合 worker。
				return uint64(time.Now().UnixNano())
			}
			return uint64(id)
		},
	})

	if err := h.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start handler:", err)
		os.Exit(1)
	}
	log.Info("handler started, consuming from " + cfg.InputStream)

	hc := health.New()
	if db != nil {
		hc.Register(health.NewPostgresChecker(db))
	}
	hc.Register(health.NewRedisChecker(redisPinger{redisClient}))
	hc.Register(healthCheckerFunc("orderStreamConsumer", func(ctx context.Context) health.CheckResult {
		ok, age, lastErr := h.ConsumeLoopHealthy(time.Now(), 45*time.Second)
		status := health.StatusUp
		if !ok {
			status = health.StatusDown
		}
		return health.CheckResult{Status: status, Latency: age, Message: lastErr}
	}))
	hc.SetReady(true)

	mux := http.NewServeMux()
	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/live", hc.LiveHandler())
	mux.HandleFunc("/health", hc.HealthHandler())
	mux.HandleFunc("/ready", hc.ReadyHandler())

	metricsHandler := metrics.Handler()
	if cfg.MetricsToken != "" {
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, cfg.MetricsToken) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			metrics.Handler().ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)

	mux.HandleFunc("/depth", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			symbol = cfg.Symbol
		}
		bids, asks, ok := h.GetDepth(symbol, 20)
		if !ok {
			http.Error(w, "symbol not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"bids": bids, "asks": asks})
	}))

	if cfg.AppEnv == "dev" || os.Getenv("ALLOW_INTERNAL_RESET") == "1" {
		mux.HandleFunc("/internal/reset", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			symbol := r.URL.Query().Get("symbol")
			reset := h.ResetEngines(symbol)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"reset": reset, "symbol": symbol})
		}))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info(fmt.Sprintf("http server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "http server error:", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	h.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	redisClient.Close()
	if db != nil {
		db.Close()
	}
	log.Info("shutdown complete")
}

// redisPinger narrows *redis.Client.Ping's *redis.StatusCmd return down to
// a plain error, which is what health.RedisPinger needs: go-redis's Ping
// doesn't satisfy that interface directly since Go has no covariant returns.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type healthCheckerFuncType struct {
	name string
	fn   func(context.Context) health.CheckResult
}

func (c healthCheckerFuncType) Name() string { return c.name }
func (c healthCheckerFuncType) Check(ctx context.Context) health.CheckResult {
	return c.fn(ctx)
}

func healthCheckerFunc(name string, fn func(context.Context) health.CheckResult) health.Checker {
	return healthCheckerFuncType{name: name, fn: fn}
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}
