/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment processor client, message broker, repository, the core
 * settlement service, background reconciliation jobs, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for payout request rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/processorclient: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/taskilo/payout-service/internal/api"
	"github.com/taskilo/payout-service/internal/app"
	"github.com/taskilo/payout-service/internal/config"
	"github.com/taskilo/payout-service/internal/store"
	"github.com/taskilo/payout-service/pkg/processorclient"
	rmrabbit "github.com/taskilo/payout-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.ProcessorAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"processor api key must be configured\" env=PROCESSOR_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s currency=%s", cfg.ServerPort, cfg.Currency)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing aligned with the other backend services.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for payout status events. A broker
	// outage must not keep payouts from settling, so fall back to a no-op
	// publisher instead of failing the boot.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.PayoutEventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment processor API.
	processorClient := processorclient.NewClient(
		cfg.ProcessorAPIBaseURL,
		cfg.ProcessorAPIKey,
		time.Duration(cfg.ProcessorTimeoutSeconds)*time.Second,
	)

	var redisClient *redis.Client
	if cfg.PayoutRequestRateLimitPerMin > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payout request rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payout request rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payout request rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core settlement service with its dependencies.
	payoutService := app.NewService(repository, processorClient, publisher, cfg.Currency)
	payoutService.ConfigureTransferRetries(
		cfg.TransferMaxAttempts,
		time.Duration(cfg.TransferRetryBaseMs)*time.Millisecond,
	)
	payoutService.ConfigureReconciliation(
		time.Duration(cfg.StuckPendingThresholdMin)*time.Minute,
		time.Duration(cfg.ReconcileLookbackHours)*time.Hour,
	)
	payoutService.ConfigureOverrideCap(cfg.OverrideMaxAmountCents)
	if redisClient != nil {
		payoutService.SetPayoutRateLimiter(app.NewRedisPayoutRateLimiter(
			redisClient,
			cfg.RedisRateLimitPrefix,
			cfg.PayoutRequestRateLimitPerMin,
			time.Minute,
		))
	}

	// Start the periodic reconciliation job.
	scheduler := app.NewScheduler(payoutService)
	if err := scheduler.Start(cfg.ReconcileSchedule); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciliation scheduler start failed\" err=%v", err)
	}

	// Initialize the API handlers and router.
	payoutHandlers := api.NewPayoutHandlers(payoutService)
	router := api.NewRouter(payoutHandlers, cfg.JWKSURL, cfg.InternalAPIKey)

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let an in-flight reconciliation run finish, bounded by the same deadline
	// as the HTTP drain.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=jobs msg=\"reconciliation did not finish before shutdown deadline\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
