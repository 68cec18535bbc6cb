package cmd

import (
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"fileconverter/scheduler"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and one stuck-job sweep, then exit",
	Long: `Expires completed conversions whose retention window has passed and
resolves jobs that stopped making progress. Meant for an external cron when
the API runs without --with-scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initSentry(cfg); err != nil {
			color.Yellow("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, "sweep")
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(cfg, a.jobs, a.objects, a.stream)

		expiry, expiryErr := sched.SweepExpired(ctx)
		stuck, stuckErr := sched.SweepStuck(ctx)

		labelColor.Println("Expiry sweep")
		printCount("  found", expiry.Found, goodColor)
		printCount("  expired", expiry.Expired, goodColor)
		printCount("  skipped", expiry.Skipped, warnColor)
		labelColor.Println("Stuck sweep")
		printCount("  re-enqueued", stuck.Requeued, goodColor)
		printCount("  waiting", stuck.Waiting, labelColor)
		printCount("  abandoned", stuck.Abandoned, warnColor)
		printCount("  worker lost", stuck.Lost, warnColor)
		printCount("  skipped", stuck.Skipped, warnColor)

		return errors.Join(expiryErr, stuckErr)
	},
}

func printCount(label string, n int, c *color.Color) {
	if n == 0 {
		c = color.New(color.Faint)
	}
	c.Printf("%-14s %d\n", label, n)
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
