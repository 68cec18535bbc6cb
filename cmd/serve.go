package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"fileconverter/api"
	"fileconverter/ratelimit"
	"fileconverter/scheduler"
	"fileconverter/submission"
)

var withScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the conversion HTTP API",
	Example: `  # API only
  converter serve

  # API plus the expiry and stuck-job scheduler
  converter serve --with-scheduler`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initSentry(cfg); err != nil {
			log.Printf("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)

		a, err := newApp(context.Background(), cfg, "api")
		if err != nil {
			return err
		}
		defer a.Close()

		svc := submission.NewService(cfg, a.jobs, a.objects, a.stream, a.registry, a.accounts)
		limiter := ratelimit.NewLimiter(a.accounts, cfg.RateLimitWindow, cfg.AnonymousPerHour, cfg.AnonymousBurst)
		defer limiter.Stop()

		srv := api.NewServer(cfg.HTTPAddr, api.NewRouter(api.NewHandler(svc, a.registry, cfg.MaxUploadMB), limiter))

		var wg sync.WaitGroup
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if withScheduler {
			sched := scheduler.New(cfg, a.jobs, a.objects, a.stream)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sched.Run(ctx)
			}()
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Printf("Listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigChan:
			log.Println("Shutdown signal received, stopping server...")
		case err = <-serveErr:
			log.Printf("Server failed: %v", err)
		}

		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown: %v", err)
		}
		drain(&wg)
		log.Println("Conversion API stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the expiry and stuck-job scheduler")
	rootCmd.AddCommand(serveCmd)
}
