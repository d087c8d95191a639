package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/chat"
	"huddle/internal/config"
	"huddle/internal/db"
	"huddle/internal/logger"
	"huddle/internal/middleware"
	"huddle/internal/permission"
	"huddle/internal/presence"
	"huddle/internal/pubsub"
	"huddle/internal/user"
)

func main() {
	configName := flag.String("config", "config", "config file name, without extension")
	flag.Parse()

	// 1. Config & Logger
	cfg := loadConfig(*configName)

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Postgres.DSN == "" {
		log.Fatal("DB_DSN is not set")
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	// 2. Platform layer: Postgres + Redis
	database, err := db.NewDatabase(cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("postgres connection failed", zap.Error(err))
	}
	defer database.Conn.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("database schema initialized")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	channel := pubsub.NewRedis(rdb)

	// 3. Presence + permission gate
	tracker := presence.NewTracker(presence.NewPostgresStore(database.Conn), channel, cfg.Presence.StalenessWindow, log)

	// 4. User feature
	userRepo := user.NewRepository(database.Conn)
	relations := user.NewRelationRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	userHandler := user.NewHandler(userService, relations, tracker, log)

	resolver := permission.NewResolver(relations, relations, userRepo)

	// 5. Chat feature
	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, userRepo, resolver, channel, chat.NewRedactor(true), log)
	hub := chat.NewHub(channel, tracker, log)
	chatHandler := chat.NewHandler(hub, chatService, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	authMiddleware := middleware.NewAuthMiddleware(userService)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", chatHandler.ServeWs)

		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Patch("/api/users/privacy", userHandler.UpdatePrivacy)
		r.Post("/api/users/block", userHandler.Block)
		r.Post("/api/users/unblock", userHandler.Unblock)
		r.Post("/api/users/buddies", userHandler.AddBuddy)
		r.Delete("/api/users/buddies", userHandler.RemoveBuddy)
		r.Get("/api/users/{id}/can-dm", chatHandler.CanDirectMessage)
		r.Get("/api/users/{id}/presence", userHandler.Presence)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Post("/api/conversations/direct", chatHandler.DirectConversation)
		r.Get("/api/conversations/unread", chatHandler.UnreadCounts)
		r.Delete("/api/conversations/{id}", chatHandler.DeleteConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.History)
		r.Post("/api/conversations/{id}/messages", chatHandler.SendMessage)
		r.Delete("/api/conversations/{id}/messages", chatHandler.DeleteMessages)
		r.Post("/api/conversations/{id}/read", chatHandler.MarkRead)
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown failed", zap.Error(err))
		}
	}()

	log.Info("server starting", zap.String("addr", cfg.Server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// loadConfig reads the yaml config when present and falls back to env vars
// and defaults, so bare containers still boot.
func loadConfig(name string) *config.Config {
	v, err := config.Load(name)
	if err != nil {
		return config.Default()
	}
	cfg, err := config.Parse(v)
	if err != nil {
		return config.Default()
	}
	return cfg
}
