package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/auth"
	"github.com/suPer8Hu/agri-chat/internal/chat"
	"github.com/suPer8Hu/agri-chat/internal/config"
	"github.com/suPer8Hu/agri-chat/internal/db"
	"github.com/suPer8Hu/agri-chat/internal/httpapi"
	"github.com/suPer8Hu/agri-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/agri-chat/internal/logger"
	"github.com/suPer8Hu/agri-chat/internal/models"
	"github.com/suPer8Hu/agri-chat/internal/presence"
	"github.com/suPer8Hu/agri-chat/internal/realtime"
	"github.com/suPer8Hu/agri-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/agri-chat/internal/store/redisstore"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(gin.ReleaseMode)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	tables := chat.Tables()
	if cfg.DBDriver == "sqlite" {
		// in production the identity service owns users
		tables = append(tables, &models.User{})
	}
	if err := db.Migrate(gdb, tables...); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisstore.WithContactTTL(cfg.ContactCacheTTL))
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rds.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := users.NewDirectory(gdb)
	reg := presence.NewRegistry()

	opts := []chat.Option{chat.WithContactCache(rds)}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, offline notifications disabled")
	} else {
		defer pub.Close()
		opts = append(opts, chat.WithEventPublisher(pub))
	}
	svc := chat.NewService(chat.NewRepo(gdb), dir, reg, opts...)

	resolver := auth.NewResolver(cfg.JWTSecret, cfg.JWTIssuer, dir, rds)
	ws := realtime.NewServer(resolver, reg, svc,
		realtime.WithAllowedOrigins(cfg.WSAllowedOrigins),
		realtime.WithSendBuffer(cfg.WSSendBuffer),
		realtime.WithBaseContext(ctx),
	)

	router := httpapi.NewRouter(httpapi.Deps{
		Handler:   handlers.NewHandler(svc, dir, rds, ws),
		Resolver:  resolver,
		WebSocket: ws.Handle,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("db", cfg.DBDriver).Msg("chat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Int("sessions", reg.Len()).Msg("shutting down")

	// hijacked websocket connections are not covered by srv.Shutdown
	ws.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
