package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepost/internal/app/realtime"
	chatservice "tradepost/internal/app/services/chat"
	"tradepost/internal/app/services/presence"
	domainchat "tradepost/internal/domain/chat"
	domainidentity "tradepost/internal/domain/identity"
	"tradepost/internal/infra/broker/kafka"
	"tradepost/internal/infra/config"
	mongodb "tradepost/internal/infra/db/mongo"
	ginserver "tradepost/internal/infra/http/gin"
	"tradepost/internal/infra/obs"
	"tradepost/internal/infra/security"
	"tradepost/internal/infra/storage/memory"
	"tradepost/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := getenv("APP_ENV", "dev")
	logger := obs.NewLogger(env)

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("using fallback configuration", "error", err)
		cfg.Env = env
		cfg.HTTPAddr = getenv("HTTP_ADDR", ":8080")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	app, cleanup, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("application bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := app.loadUserFixtures(cfg.UserFixtures, logger); err != nil {
		logger.Warn("user fixtures load failed", "error", err, "path", cfg.UserFixtures)
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready: app.ready,
	}, app.handlers)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

type application struct {
	handlers  ginserver.Handlers
	chat      *chatservice.Service
	directory *memory.Directory
	ready     func() error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (application, func(), error) {
	closers := make([]func(), 0, 4)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var repo domainchat.Repository
	ready := func() error { return nil }
	if cfg.MongoURI != "" {
		client, err := mongodb.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("mongo connect: %w", err)
		}
		closers = append(closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Close(closeCtx); err != nil {
				logger.Warn("mongo disconnect failed", "error", err)
			}
		})
		mongoRepo := mongodb.NewConversationRepository(client.DB)
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			return application{}, cleanup, fmt.Errorf("mongo indexes: %w", err)
		}
		repo = mongoRepo
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx)
		}
		logger.Info("mongo conversation store ready", "database", cfg.MongoDB)
	} else {
		repo = memory.NewConversationRepository()
		logger.Info("using in-memory conversation store")
	}

	directory := memory.NewDirectory(security.BcryptHasher{})

	var events chatservice.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("kafka producer: %w", err)
		}
		closers = append(closers, func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close failed", "error", err)
			}
		})
		events = &kafka.ChatEventPublisher{
			Producer: producer,
			Topic:    cfg.KafkaTopicPrefix + "chat.events",
			Logger:   logger,
		}
		logger.Info("kafka event publisher ready", "brokers", cfg.KafkaBrokers)
	}

	chat := &chatservice.Service{
		Repo:      repo,
		Directory: directory,
		Events:    events,
		Logger:    logger,
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.OrderEventsTopic != "" {
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, nil, &kafka.OrderEventHandler{
			Chat:   chat,
			Logger: logger,
		})
		if err != nil {
			return application{}, cleanup, fmt.Errorf("kafka consumer: %w", err)
		}
		closers = append(closers, func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("kafka consumer close failed", "error", err)
			}
		})
		go func() {
			topic := cfg.KafkaTopicPrefix + cfg.OrderEventsTopic
			if err := consumer.Run(ctx, []string{topic}); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("order event consumer stopped", "error", err)
			}
		}()
		logger.Info("order event consumer started", "topic", cfg.OrderEventsTopic, "group", cfg.KafkaGroupID)
	}

	var uploads s3.AttachmentStore = s3.NoopStore{}
	if cfg.S3Endpoint != "" {
		client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicEndpoint, logger)
		if err != nil {
			return application{}, cleanup, fmt.Errorf("s3 client: %w", err)
		}
		uploads = client
		logger.Info("attachment storage ready", "bucket", cfg.S3Bucket)
	} else {
		logger.Info("attachment storage not configured, uploads disabled")
	}

	tracker := presence.NewTracker()
	closers = append(closers, tracker.Reset)
	hub := realtime.NewHub(chat, tracker, directory, logger)

	app := application{
		handlers: ginserver.Handlers{
			Chat: ginserver.ChatHandler{
				Chat:      chat,
				Directory: directory,
				Uploads:   uploads,
				Logger:    logger,
				PageSize:  cfg.PageSize,
			},
			WS: ginserver.NewWSHandler(hub, directory, cfg.HandshakeTimeout, logger),
			AuthMiddleware: ginserver.AuthMiddleware{
				Verifier:  directory,
				Directory: directory,
				Logger:    logger,
			}.Handle,
		},
		chat:      chat,
		directory: directory,
		ready:     ready,
	}
	return app, cleanup, nil
}

type userFixture struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Active      *bool  `json:"active"`
	TokenSecret string `json:"token_secret"`
}

// loadUserFixtures seeds the in-memory directory from a JSON file. Without
// fixtures two demo users are registered so the API is usable out of the
// box.
func (a application) loadUserFixtures(path string, logger *slog.Logger) error {
	if path == "" {
		a.seedDemoUsers(logger)
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("user fixtures file not found, seeding demo users", "path", path)
			a.seedDemoUsers(logger)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures []userFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}

	hasher := security.BcryptHasher{}
	count := 0
	for _, fx := range fixtures {
		if fx.ID == "" {
			continue
		}
		active := true
		if fx.Active != nil {
			active = *fx.Active
		}
		hash := ""
		if fx.TokenSecret != "" {
			hashed, err := hasher.Hash(fx.TokenSecret)
			if err != nil {
				return fmt.Errorf("hash token secret for %s: %w", fx.ID, err)
			}
			hash = hashed
		}
		a.directory.Put(domainidentity.User{
			ID:        fx.ID,
			Name:      fx.Name,
			AvatarURL: fx.AvatarURL,
			Active:    active,
		}, hash)
		count++
	}
	logger.Info("user fixtures loaded", "path", path, "users", count)
	return nil
}

func (a application) seedDemoUsers(logger *slog.Logger) {
	hasher := security.BcryptHasher{}
	gen := security.RandomTokenGenerator{}
	for _, user := range []domainidentity.User{
		{ID: "user-demo-1", Name: "Alice Demo", Active: true},
		{ID: "user-demo-2", Name: "Bob Demo", Active: true},
	} {
		secret, err := gen.NewToken()
		if err != nil {
			logger.Error("cannot generate demo token", "user_id", user.ID, "error", err)
			return
		}
		hash, err := hasher.Hash(secret)
		if err != nil {
			logger.Error("cannot hash demo token", "user_id", user.ID, "error", err)
			return
		}
		a.directory.Put(user, hash)
		logger.Info("demo user ready", "user_id", user.ID, "token", user.ID+":"+secret)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
