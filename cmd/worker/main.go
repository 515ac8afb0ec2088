package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/config"
	"github.com/suPer8Hu/agri-chat/internal/db"
	"github.com/suPer8Hu/agri-chat/internal/email"
	"github.com/suPer8Hu/agri-chat/internal/logger"
	"github.com/suPer8Hu/agri-chat/internal/notify"
	"github.com/suPer8Hu/agri-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/agri-chat/internal/store/redisstore"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, cfg.LogPretty)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rds.Close()

	smtpCfg := email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}
	if !smtpCfg.Enabled() {
		log.Warn().Msg("SMTP_HOST/SMTP_FROM not set, notifications will fail and be dead-lettered")
	}
	notifier := notify.NewNotifier(email.Mailer{Cfg: smtpCfg}, rds, users.NewDirectory(gdb), cfg.NotifyCooldown)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")
	rabbitmq.Consume(ctx, msgs, concurrency, notifier.Handle)
	log.Info().Msg("worker stopped")
}
