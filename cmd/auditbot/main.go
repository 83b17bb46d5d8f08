package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-audit-bot/internal/adapters/repo"
	"tg-audit-bot/internal/adapters/telegram"
	"tg-audit-bot/internal/adapters/web"
	"tg-audit-bot/internal/cryptox"
	"tg-audit-bot/internal/infra/config"
	"tg-audit-bot/internal/infra/db"
	httpinfra "tg-audit-bot/internal/infra/http"
	"tg-audit-bot/internal/infra/log"
	"tg-audit-bot/internal/infra/metrics"
	"tg-audit-bot/internal/infra/schedule"
	"tg-audit-bot/internal/usecase/attachments"
	"tg-audit-bot/internal/usecase/auditlog"
	"tg-audit-bot/internal/usecase/auth"
	"tg-audit-bot/internal/usecase/vault"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, log.Component(logger, "metrics"), fmt.Sprintf(":%d", cfg.MetricsPort))

	if err := db.Migrate(cfg.PGDSN, repo.Migrations); err != nil {
		logger.Fatal().Err(err).Msg("auditbot: миграции не применились")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("auditbot: нет подключения к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)

	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("auditbot: некорректный ключ шифрования")
	}
	cipher := cryptox.NewCipher(key, log.Component(logger, "cryptox"))

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("auditbot: не удалось создать бота")
	}
	gateway := telegram.NewGateway(botAPI)

	vaultSvc := vault.NewService(store, store, store, cipher, cfg.Retention.Days, log.Component(logger, "vault"))
	attachSvc := attachments.NewService(store, store, gateway, log.Component(logger, "attachments"))
	auditSvc := auditlog.NewService(store, vaultSvc, attachSvc, log.Component(logger, "auditlog"))
	authSvc := auth.NewService(store, store, vaultSvc, gateway, auth.Config{
		BotToken:      cfg.Telegram.Token,
		ServerURL:     cfg.Server.URL,
		WidgetEnabled: cfg.Signin.Widget,
		LinkEnabled:   cfg.Signin.Link,
	}, log.Component(logger, "auth"))

	botHandler := telegram.NewHandler(gateway, log.Component(logger, "bot"), auditSvc, authSvc, cfg.Server.URL)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := botAPI.GetUpdatesChan(updateCfg)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				botHandler.HandleUpdate(upd)
			}
		}
	}()

	srv := httpinfra.NewServer(log.Component(logger, "http"))
	web.NewHandler(authSvc, vaultSvc, auditSvc, log.Component(logger, "web")).Register(srv.Router)
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			logger.Error().Err(err).Msg("auditbot: HTTP сервер остановлен")
		}
	}()

	sched := schedule.NewScheduler(log.Component(logger, "schedule"))
	sched.Every("retention", 24*time.Hour, vaultSvc.CleanupExpired)
	sched.Every("file_cache", time.Hour, attachSvc.PurgeStale)
	sched.Every("tokens", 30*time.Minute, authSvc.CleanupExpiredTokens)
	sched.Start(ctx)

	logger.Info().Msg("auditbot: старт")
	<-ctx.Done()
	logger.Info().Msg("auditbot: остановка")

	botAPI.StopReceivingUpdates()
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
