/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the token signing authority, message brokers,
 * repositories, the core application service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Backs the per-device claim rate limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/tokensign: Event transport and token cryptography.
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
	"github.com/pinkpay/settlement-service/internal/api"
	"github.com/pinkpay/settlement-service/internal/app"
	"github.com/pinkpay/settlement-service/internal/config"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/rabbitmq"
	"github.com/pinkpay/settlement-service/pkg/tokensign"
	"github.com/redis/go-redis/v9"
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

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Settlement traffic is bursty when devices come back online, so keep a
	// deep warm pool.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
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

	// The signing authority mints token vouchers. Without a configured seed
	// we fall back to an ephemeral key, which invalidates outstanding
	// vouchers on restart, so warn loudly.
	var authority *tokensign.Authority
	if strings.TrimSpace(cfg.TokenSigningSeed) != "" {
		authority, err = tokensign.NewAuthorityFromSeed(cfg.TokenSigningSeed)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"token signing seed invalid\" err=%v", err)
		}
	} else {
		authority, err = tokensign.NewEphemeralAuthority()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"ephemeral authority init failed\" err=%v", err)
		}
		log.Println("level=warn component=bootstrap msg=\"TOKEN_SIGNING_SEED not set; vouchers will not survive restarts\"")
	}
	log.Printf("level=info component=bootstrap msg=\"signing authority ready\" public_key=%s", authority.PublicKeyBase64())

	// Initialize the RabbitMQ producer to publish lifecycle events. Event
	// publishing is best-effort, so a broker outage does not block boot.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var redisClient *redis.Client
	if cfg.ClaimRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; claim rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; claim rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; claim rate limiting disabled\" err=%v", pingErr)
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

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		authority,
		producer,
		cfg.SettlementEventExchange,
		cfg.DefaultCurrency,
		cfg.DefaultTokenTTLHours,
		cfg.MaxTokenAmountSen,
		cfg.SettleRetryAttempts,
	)
	if redisClient != nil {
		settlementService.ConfigureRateLimiting(
			app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ClaimRateLimitPerMinute,
		)
	}

	// Wire up the claim intake consumer: transport adapters publish claims
	// collected from devices onto the claim submission queue.
	claimConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; queued claim intake disabled\" err=%v", err)
	} else {
		defer claimConsumer.Close()
		if err := app.StartClaimConsumer(claimConsumer, settlementService, cfg.SettlementEventExchange, cfg.ClaimSubmissionQueue); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"claim consumer start failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"claim consumer started\" queue=%s", cfg.ClaimSubmissionQueue)
	}

	// Initialize the API handlers and router.
	settlementHandlers := api.NewSettlementHandlers(settlementService)
	router := api.SettlementRoutes(settlementHandlers, cfg.InternalAPIKey)

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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
