package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fileconverter/models"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show queue backlog and, optionally, one job",
	Example: `  # Queue backlog only
  converter status

  # Backlog plus the state of a job
  converter status 6f1c2a9e-0d4b-4a77-9b8e-1c2d3e4f5a6b`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, err := newApp(ctx, cfg, "status")
		if err != nil {
			return err
		}
		defer a.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintln(w, "--- Queue ---")
		work, dead, err := a.stream.Backlog(ctx)
		if err != nil {
			badColor.Fprintf(w, "  unavailable: %v\n", err)
		} else {
			fmt.Fprintf(w, "  %s\t%d\n", labelColor.Sprint("Work stream"), work)
			deadColor := goodColor
			if dead > 0 {
				deadColor = warnColor
			}
			fmt.Fprintf(w, "  %s\t%s\n", labelColor.Sprint("Dead letters"), deadColor.Sprint(dead))
		}

		if len(args) == 0 {
			return nil
		}

		job, err := a.jobs.GetByID(ctx, args[0])
		if errors.Is(err, models.ErrJobNotFound) {
			badColor.Fprintf(w, "\nJob %s not found\n", args[0])
			return err
		}
		if err != nil {
			return err
		}
		printJob(w, job)
		return nil
	},
}

func printJob(w *tabwriter.Writer, job *models.ConversionJob) {
	headerColor.Fprintln(w, "\n--- Job ---")
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s\t%s\n", labelColor.Sprint(label), value)
	}

	row("ID", job.ID)
	row("Owner", job.OwnerID)
	row("File", fmt.Sprintf("%s (%d bytes)", job.OriginalFileName, job.OriginalSizeBytes))
	row("Conversion", job.SourceFormat+" -> "+job.TargetFormat)
	row("Status", statusColor(job.Status).Sprint(job.Status))
	row("Created", job.CreatedAt.Format(time.RFC3339))
	row("Updated", job.UpdatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		row("Started", job.StartedAt.Format(time.RFC3339))
	}
	if job.ConvertedLocation != nil {
		row("Output", *job.ConvertedLocation)
	}
	if job.ExpiryAt != nil {
		row("Expires", job.ExpiryAt.Format(time.RFC3339))
	}
	if job.ErrorDetail != nil {
		row("Error", badColor.Sprint(*job.ErrorDetail))
	}
	row("Credits", fmt.Sprint(job.CreditsConsumed))
}

func statusColor(s models.JobStatus) *color.Color {
	switch s {
	case models.StatusCompleted:
		return goodColor
	case models.StatusFailed:
		return badColor
	case models.StatusPending, models.StatusProcessing:
		return warnColor
	default:
		return color.New(color.Faint)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
