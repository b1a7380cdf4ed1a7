// Package main — операторский CLI леджера баллов.
// Загружает конфигурацию (.env при наличии), собирает приложение и выполняет команду.
// Команда serve запускает планировщик сверки и ждёт SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"serotonyl.ru/points-ledger/internal/app"
	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/config"
)

func init() {
	// для разработки
	//nolint:errcheck
	godotenv.Load()
}

func main() {
	setupLogging()

	cliApp := &cli.App{
		Name:  "ledger",
		Usage: "леджер баллов: начисление, списание, магазин",
		Commands: []*cli.Command{
			commandMigrate(),
			commandTag(),
			commandGrant(),
			commandSpend(),
			commandBalance(),
			commandHistory(),
			commandItem(),
			commandRedeem(),
			commandReconcile(),
			commandServe(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		if reportClientError(os.Stderr, err) {
			os.Exit(1)
		}
		log.WithError(err).Fatal("Команда завершилась с ошибкой")
	}
}

// reportClientError печатает ошибку входных данных или бизнес-правила без лога.
// Остальные ошибки (БД, целостность леджера) не печатает и возвращает false.
func reportClientError(w io.Writer, err error) bool {
	if !common.IsClientError(err) {
		return false
	}
	fmt.Fprintf(w, "Ошибка: %v\n", err)
	return true
}

// setupLogging настраивает формат логов.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
}

// withApp загружает конфигурацию, собирает App и выполняет fn.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if level, err := log.ParseLevel(cfg.AppLogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	return fn(ctx, application)
}

func commandServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "запустить фоновую сверку и ждать сигнала остановки",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				if !a.Config.ReconcileEnabled {
					log.Warn("RECONCILE_ENABLED=false, планировщику нечего делать")
				} else {
					if err := a.Scheduler.Start(ctx); err != nil {
						return err
					}
					defer a.Scheduler.Stop()
				}

				log.Info("=== Леджер готов к работе ===")
				<-ctx.Done()
				log.Info("=== Леджер остановлен ===")
				return nil
			})
		},
	}
}
