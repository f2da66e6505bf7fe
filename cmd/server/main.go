package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"companionhub/internal/app"
	"companionhub/internal/config"
	"companionhub/internal/identity"
	"companionhub/internal/revalidate"
	"companionhub/internal/server"
	"companionhub/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:    cfg.IdentityJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	revalidator, err := revalidate.NewRedisRevalidator(cfg.RedisAddr, cfg.RedisPassword, cfg.RenderCachePrefix)
	if err != nil {
		log.Fatalf("failed to init revalidator: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Revalidator: revalidator,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Verifier:                   verifier,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		CreateRateLimitPerMinute:   cfg.CreateRateLimitPerMinute,
		BookmarkRateLimitPerMinute: cfg.BookmarkRateLimitPerMinute,
		SessionRateLimitPerMinute:  cfg.SessionRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("companionhub server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
