/**
 * @description
 * This is the main entry point for the eth-nem action processor. It is
 * responsible for initializing all components of the service: configuration,
 * database connection, the NIS client, the RabbitMQ deposit consumer, the
 * settlement scheduler, and the operator HTTP server. It wires everything
 * together and starts the service.
 *
 * The process deliberately exits non-zero when the durable store becomes
 * unreachable; the surrounding orchestrator restarts it rather than let it
 * run with inconsistent state.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For HTTP routing (via internal/api).
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Optional dedupe cache.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/nemclient: Client for the NEM NIS API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/api"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/app"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/config"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/store"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/pkg/nemclient"
	rmrabbit "github.com/cloudkserg/middleware-eth-nem-action-processor/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if strings.TrimSpace(cfg.NemNodeURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"nem node url must be configured\" env=NEM_NODE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting nem action processor\" port=%s service=%s", cfg.ServerPort, cfg.ServiceName)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Optional Redis for the recent-event dedupe cache. Missing or
	// unreachable Redis is not fatal; the store's event-id check remains
	// authoritative.
	var eventCache *app.RedisEventCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; dedupe cache disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; dedupe cache disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				eventCache = app.NewRedisEventCache(redisClient, "nem_processor:events", time.Duration(cfg.DedupeCacheTTLSeconds)*time.Second)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelPing()
		}
	}

	// Initialize the data access layer and the NIS client.
	repository := store.NewRepository(dbpool)
	nemClient := nemclient.NewClient(cfg.NemNodeURL, cfg.NemNetwork, cfg.NemPrivateKey, cfg.MosaicNamespace, cfg.MosaicName)

	// Wire up the deposit consumer and bind it to the block parser's
	// deposit routing key.
	depositConsumer := app.NewDepositConsumer(repository, eventCache)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	depositBindings := map[string]rmrabbit.Handler{
		cfg.DepositRoutingKey(): depositConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.ExchangeName, cfg.DepositQueue, depositBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"deposit consumer start failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"deposit consumer started\" exchange=%s key=%s", cfg.ExchangeName, cfg.DepositRoutingKey())

	// Start the settlement scheduler in the background.
	jobs := app.NewJobs(repository, nemClient, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("scheduler started", "interval_seconds", cfg.SettlementIntervalSeconds)

	// Start the operator HTTP server.
	accountHandlers := api.NewAccountHandlers(repository)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Routes(accountHandlers, cfg.InternalAPIKey),
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	// Watch the durable store; losing it is fatal.
	go watchDatabase(dbpool)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=bootstrap msg=\"shutdown started\"")

	// Stop consuming first so no new deposits arrive, then let in-flight
	// settlement jobs finish before the pool closes.
	rabbitConsumer.Close()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=bootstrap msg=\"shutdown complete\"")
}

// watchDatabase pings the pool on an interval and terminates the process
// after repeated failures. Running without the ledger store would mean
// acknowledging deposits whose credits were never written.
func watchDatabase(dbpool *pgxpool.Pool) {
	const maxConsecutiveFailures = 3

	failures := 0
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := dbpool.Ping(ctx)
		cancel()

		if err == nil {
			failures = 0
			continue
		}

		failures++
		log.Printf("level=error component=watchdog msg=\"database ping failed\" attempt=%d err=%v", failures, err)
		if failures >= maxConsecutiveFailures {
			log.Printf("level=fatal component=watchdog msg=\"database unreachable; exiting\"")
			os.Exit(1)
		}
	}
}
