package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"

	"github.com/peerprep/peerprep-backend/internal/auth"
	"github.com/peerprep/peerprep-backend/internal/broker"
	"github.com/peerprep/peerprep-backend/internal/matching"
	"github.com/peerprep/peerprep-backend/internal/pkg/kafka"
	"github.com/peerprep/peerprep-backend/internal/pkg/redis"
	"github.com/peerprep/peerprep-backend/internal/questions"
)

func main() {
	// --- Configuration Loading ---
	viper.SetConfigName("matching-service")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs/development")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("Failed to read configuration file", "error", err)
		os.Exit(1)
	}

	queueTimeout := viper.GetDuration("matching.queue_timeout_seconds") * time.Second

	// --- Optional Collaborators ---
	var picker matching.QuestionPicker
	if baseURL := viper.GetString("questions.base_url"); baseURL != "" {
		picker = questions.NewClient(baseURL)
		slog.Info("Question preselection enabled", "base_url", baseURL)
	}

	var events matching.EventSink
	if viper.GetBool("kafka.enabled") {
		producer := kafka.NewProducer(
			viper.GetStringSlice("kafka.brokers"),
			viper.GetString("kafka.topic"),
		)
		defer producer.Close()
		events = matching.NewKafkaEvents(producer)
		slog.Info("Match event publication enabled", "topic", viper.GetString("kafka.topic"))
	}

	// --- Matching Engine ---
	// "memory" runs the whole queue in-process; "brokered" shares one
	// logical queue between instances through Redis.
	var matcher matching.Matcher
	switch mode := viper.GetString("matching.mode"); mode {
	case "", "memory":
		matcher = matching.NewEngine(queueTimeout, picker, events)
		slog.Info("Using in-process matching engine")
	case "brokered":
		rdb, err := redis.NewClient(redis.Config{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		engine, err := broker.NewEngine(context.Background(), rdb, queueTimeout, picker, events)
		if err != nil {
			slog.Error("Failed to start brokered matching engine", "error", err)
			os.Exit(1)
		}
		defer engine.Close()
		matcher = engine
		slog.Info("Using Redis-brokered matching engine", "redis", viper.GetString("redis.addr"))
	default:
		slog.Error("Unknown matching mode", "mode", mode)
		os.Exit(1)
	}

	// --- Session Token Gate ---
	var verifier matching.TokenVerifier
	if secret := viper.GetString("auth.jwt_secret"); secret != "" {
		verifier = auth.NewVerifier(secret)
		slog.Info("Session token verification enabled")
	}

	wsHandler := matching.NewWebsocketHandler(matcher, verifier)

	// --- HTTP Router and Middleware Setup ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws/matching", wsHandler.ServeHTTP)

	// --- HTTP Server Initialization and Graceful Shutdown ---
	httpPort := viper.GetString("http_server.port")
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", httpPort),
		Handler: r,
	}

	go func() {
		slog.Info("Matching service starting...", "port", httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Could not start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down matching service...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Matching service stopped.")
}
