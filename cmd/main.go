/**
 * @description
 * This is the main entry point for rnr-pay. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, the Daraja gateway client, the mailer, message
 * brokers, repositories, the core application service, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/feed,
 *   internal/store: Internal packages for the service.
 * - pkg/daraja, pkg/mailer, pkg/rabbitmq: External service clients.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gachezra/rnr-pay/internal/api"
	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/config"
	"github.com/gachezra/rnr-pay/internal/confirm"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
	"github.com/gachezra/rnr-pay/pkg/mailer"
	rnrrabbit "github.com/gachezra/rnr-pay/pkg/rabbitmq"
)

func main() {
	// Load a local .env if present; real deployments configure through the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting rnr-pay\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for status event fanout. A missing
	// broker degrades to in-process-only delivery rather than refusing to boot.
	var producer rnrrabbit.Publisher
	rabbitProducer, err := rnrrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rnrrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the Daraja gateway client.
	gateway := daraja.NewClient(
		cfg.DarajaBaseURL,
		cfg.DarajaConsumerKey,
		cfg.DarajaConsumerSecret,
		cfg.DarajaShortCode,
		cfg.DarajaPasskey,
		cfg.DarajaCallbackURL,
	)

	// Initialize the receipt mailer. Without an API key, receipts log instead
	// of sending; useful in development.
	var sender mailer.Sender
	if strings.TrimSpace(cfg.MailerAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"mailer api key missing; receipts will be logged only\" env=MAILER_API_KEY")
		sender = mailer.LogSender{}
	} else {
		sender = mailer.NewClient(cfg.MailerAPIURL, cfg.MailerAPIKey, cfg.MailerFromAddress)
	}

	// Redis backs the manual-poll rate limiter. Missing Redis disables the
	// budget rather than the endpoint.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; poll rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; poll rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; poll rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer, snapshot feed, and core service.
	repository := store.NewPostgresRepository(dbpool)
	snapshots := feed.New()
	guard := app.NewEmailGuard(repository, sender, cfg.StatusPageBaseURL)
	service := app.NewService(repository, gateway, producer, snapshots, guard)
	if redisClient != nil {
		service.SetPollRateLimiter(
			app.NewRedisPollRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.PollRateLimitPerMinute,
			time.Minute,
		)
	}

	// Wire up the broker consumer: every instance sees every ticket status
	// event, keeping local feeds current and the email guard triggered no
	// matter which instance confirmed.
	ticketConsumer := app.NewTicketEventConsumer(snapshots, guard)
	rabbitConsumer, err := rnrrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; cross-instance events disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"ticket.status.*": ticketConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.EventsExchange, cfg.TicketEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"ticket consumer start failed\" err=%v", err)
		}
	}

	// Start the stale-push sweeper.
	sweeper := app.NewSweeper(
		service,
		repository,
		cfg.SweepSchedule,
		time.Duration(cfg.SweepStaleAfterSeconds)*time.Second,
		cfg.SweepBatchSize,
	)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper start failed\" err=%v", err)
	}
	defer sweeper.Stop()

	// Initialize the API handlers and router. The confirmation-session
	// timers come from config so operators can tune the client flow.
	handlers := api.NewPaymentHandlers(service, snapshots, confirm.Options{
		Deadline:      time.Duration(cfg.ConfirmDeadlineSeconds) * time.Second,
		RedirectDelay: time.Duration(cfg.ConfirmRedirectDelaySecs) * time.Second,
	})
	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(handlers, cfg.InternalAPIKey))

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
