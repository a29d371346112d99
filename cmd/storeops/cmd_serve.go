package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/storeops-agents/internal/engine"
	"github.com/xela07ax/storeops-agents/internal/infra"
	"github.com/xela07ax/storeops-agents/internal/opsserver"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, event listener and ops HTTP server",
		Long:  "Starts the long-running engine: periodic scan of background agents,\nRedis event bus listener (when redis is enabled), kill switch and quarantine\nlisteners, and the ops server with /health, /ready and /metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath())
		},
	}
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	// Контекст для управления жизненным циклом фоновых горутин
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger.Named("serve")

	scheduler := engine.NewScheduler(a.orch, cfg.Scheduler.Interval, a.logger)

	// Горячая перезагрузка: пул воркеров и период тика меняются без рестарта
	if _, err := infra.WatchConfig(configPath, a.logger, func(next *infra.Config) {
		if err := next.Validate(); err != nil {
			log.Error("reloaded config is invalid", zap.Error(err))
			return
		}
		a.orch.SetWorkers(next.Scheduler.Workers)
		scheduler.SetInterval(next.Scheduler.Interval)
	}); err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	// Control Plane: сигналы kill switch и карантина от других инстансов
	spawn(a.killSwitch.Listen)
	spawn(a.quarantine.Listen)
	spawn(scheduler.Run)
	if a.rdb != nil {
		spawn(engine.NewEventListener(a.rdb, a.orch, cfg.Scheduler.Workers, a.logger).Listen)
	} else {
		log.Info("redis disabled: event bus listener not started")
	}

	checks := map[string]opsserver.Pinger{"database": a.store}
	if a.rdb != nil {
		checks["redis"] = redisPinger{a.rdb}
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      opsserver.New(a.logger, a.promReg, checks),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("ops server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			log.Error("ops server failed", zap.Error(err))
			stop()
		}
	}
	log.Info("storeops stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("ops server shutdown failed", zap.Error(shutdownErr))
	}
	wg.Wait()
	log.Info("storeops exited properly")
	return err
}
