package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
)

// Requeues FAILED sync jobs from the command line, either one by id or
// in bulk filtered by error substring. Defaults to a dry run that only
// prints what would be requeued.
func main() {
	jobID := flag.Int("job-id", 0, "Requeue a single FAILED job by id")
	errorFilter := flag.String("error-filter", "", "Bulk requeue FAILED jobs whose last error contains this substring")
	dryRun := flag.Bool("dry-run", true, "List matching jobs only (no writes)")
	confirm := flag.String("confirm", "", "Type RETRY to proceed when dry-run=false")
	flag.Parse()

	if *jobID <= 0 && *errorFilter == "" {
		fmt.Fprintln(os.Stderr, "provide --job-id or --error-filter")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "RETRY" {
		fmt.Fprintln(os.Stderr, "set --confirm=RETRY to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	if *jobID > 0 {
		job, err := models.GetSyncJob(ctx, *jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job %d not found: %v\n", *jobID, err)
			os.Exit(1)
		}
		fmt.Printf("id=%d entity=%s:%d status=%s attempts=%d/%d last_error=%q\n",
			job.ID, job.EntityType, job.EntityId, job.Status, job.Attempts, job.MaxAttempts, job.LastError)
		if *dryRun {
			return
		}
		if _, err := models.RequeueSyncJob(ctx, *jobID); err != nil {
			fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("job requeued")
		return
	}

	var matching []models.SyncJob
	if err := db.WithContext(ctx).
		Where("status = ? AND last_error LIKE ?", models.SyncJobStatusFailed, "%"+*errorFilter+"%").
		Order("id ASC").
		Find(&matching).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}
	for _, job := range matching {
		fmt.Printf("id=%d entity=%s:%d attempts=%d/%d last_error=%q\n",
			job.ID, job.EntityType, job.EntityId, job.Attempts, job.MaxAttempts, job.LastError)
	}
	fmt.Printf("%d matching FAILED jobs\n", len(matching))
	if *dryRun {
		return
	}

	count, err := models.RequeueFailedSyncJobs(ctx, *errorFilter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bulk requeue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d jobs requeued\n", count)
}
