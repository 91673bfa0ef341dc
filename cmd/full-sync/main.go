package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"gorm.io/gorm"
)

// Enqueues every active item for export, at LOW priority so the backlog
// drains behind live traffic. Coalescing folds these into any job already
// pending for the same item.
func main() {
	priority := flag.String("priority", "LOW", "Job priority: HIGH, NORMAL or LOW")
	dryRun := flag.Bool("dry-run", true, "Count eligible items only (no writes)")
	confirm := flag.String("confirm", "", "Type SYNC to proceed when dry-run=false")
	flag.Parse()

	p := models.SyncPriority(strings.ToUpper(*priority))
	if p != models.SyncPriorityHigh && p != models.SyncPriorityNormal && p != models.SyncPriorityLow {
		fmt.Fprintln(os.Stderr, "--priority must be HIGH, NORMAL or LOW")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "SYNC" {
		fmt.Fprintln(os.Stderr, "set --confirm=SYNC to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	ids, err := models.ListActiveItemIds(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing items failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d active items\n", len(ids))

	// Preflight: vendors without an active mapping will skip at transform
	// time; surface them before the operator commits to the batch.
	vendorIds, err := models.ListActiveItemVendorIds(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing vendors failed: %v\n", err)
		os.Exit(1)
	}
	mappings, err := models.GetVendorMappings(ctx, vendorIds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading vendor mappings failed: %v\n", err)
		os.Exit(1)
	}
	unmapped := 0
	for _, id := range vendorIds {
		if _, ok := mappings[id]; !ok {
			unmapped++
		}
	}
	fmt.Printf("%d vendors, %d without an active mapping (their items will be skipped)\n", len(vendorIds), unmapped)

	if *dryRun {
		return
	}

	enqueued := 0
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if _, err := models.EnqueueSyncJob(ctx, tx, models.SyncEntityItem, id, models.SyncEventUpdate, p, models.SyncEventData{
				Source: models.TriggerSourceManual,
				Reason: "full resync (cli)",
			}); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d jobs enqueued\n", enqueued)
}
