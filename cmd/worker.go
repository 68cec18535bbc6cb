package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"fileconverter/notify"
	"fileconverter/worker"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run conversion workers and the notification relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if workerCount > 0 {
			cfg.WorkerCount = workerCount
		}
		if err := initSentry(cfg); err != nil {
			log.Printf("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)

		log.Println("Starting conversion workers...")
		a, err := newApp(context.Background(), cfg, "worker")
		if err != nil {
			return err
		}
		defer a.Close()

		pool := worker.NewPool(cfg, a.stream, a.jobs, a.objects, a.registry, a.accounts)
		relay := worker.NewRelay(a.stream, notify.New(cfg.NotifyWebhookURL), a.objects, cfg.PresignTTL)

		var wg sync.WaitGroup
		ctx, cancel := context.WithCancel(context.Background())

		for i := 0; i < cfg.WorkerCount; i++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				pool.StartWorker(ctx, workerID)
			}(i)
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			pool.RecoveryLoop(ctx)
		}()
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()

		log.Printf("Started %d conversion workers", cfg.WorkerCount)
		log.Printf("Listening on Redis stream: %s (group %s)", cfg.WorkStream, cfg.ConsumerGroup)
		log.Printf("Gotenberg URL: %s", cfg.GotenbergURL)
		for _, p := range a.registry.Pairs() {
			log.Printf("Supports %s -> %s", p.Source, p.Target)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutdown signal received, stopping workers...")
		cancel()
		drain(&wg)
		log.Println("Conversion workers stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "count", 0, "Number of workers (overrides CONVERSION_WORKER_COUNT)")
	rootCmd.AddCommand(workerCmd)
}
