package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"github.com/mmdatafocus/opms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// End-to-end queue behavior against a real MySQL: change detection,
// coalescing, claim ordering, retry exhaustion and loop prevention all
// depend on transactional semantics a fake cannot honestly provide.

func setupSyncTestDB(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "opms_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	ctx = utils.SetCorrelationIdInContext(ctx, "test-corr")
	return ctx
}

func createTestItem(t *testing.T, ctx context.Context, code string) *models.Item {
	t.Helper()
	item, err := models.CreateItem(ctx, &models.NewItem{
		Code:      code,
		Name:      "Item " + code,
		VendorId:  1,
		UnitPrice: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("CreateItem(%s): %v", code, err)
	}
	return item
}

func pendingJobsFor(t *testing.T, entityId int) []models.SyncJob {
	t.Helper()
	db := config.GetDB()
	var jobs []models.SyncJob
	if err := db.
		Where("entity_type = ? AND entity_id = ? AND status = ?",
			models.SyncEntityItem, entityId, models.SyncJobStatusPending).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		t.Fatalf("load pending jobs: %v", err)
	}
	return jobs
}

func TestChangeDetectionWritesOutboxAtomically(t *testing.T) {
	ctx := setupSyncTestDB(t)
	item := createTestItem(t, ctx, "CHAIR-OAK-01")

	// Insert produced exactly one PENDING job and one change log entry.
	jobs := pendingJobsFor(t, item.ID)
	if len(jobs) != 1 {
		t.Fatalf("pending jobs after create = %d, want 1", len(jobs))
	}
	if jobs[0].EventType != string(models.SyncEventInsert) {
		t.Errorf("event type = %s", jobs[0].EventType)
	}

	entries, err := models.GetChangeLog(ctx, models.SyncEntityItem, item.ID, 10)
	if err != nil {
		t.Fatalf("GetChangeLog: %v", err)
	}
	if len(entries) != 1 || entries[0].Origin != models.ChangeOriginOPMS {
		t.Fatalf("change log = %+v", entries)
	}
	if entries[0].CorrelationId != "test-corr" {
		t.Errorf("correlation id = %q", entries[0].CorrelationId)
	}

	// Audit-only update: logged, nothing new enqueued beyond the
	// coalesced insert job.
	notes := "moved to aisle 4"
	if _, err := models.UpdateItem(ctx, item.ID, &models.ItemUpdate{InternalNotes: &notes}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	jobs = pendingJobsFor(t, item.ID)
	if len(jobs) != 1 {
		t.Errorf("pending jobs after audit-only update = %d, want 1", len(jobs))
	}
	entries, _ = models.GetChangeLog(ctx, models.SyncEntityItem, item.ID, 10)
	if len(entries) != 2 {
		t.Errorf("change log entries = %d, want 2", len(entries))
	}
}

func TestEnqueueCoalescesPendingJobs(t *testing.T) {
	ctx := setupSyncTestDB(t)
	item := createTestItem(t, ctx, "TABLE-PINE-02")

	// Two more sync-relevant updates while the insert job is PENDING.
	name := "Renamed"
	if _, err := models.UpdateItem(ctx, item.ID, &models.ItemUpdate{Name: &name}); err != nil {
		t.Fatal(err)
	}
	price := decimal.NewFromInt(250)
	if _, err := models.UpdateItem(ctx, item.ID, &models.ItemUpdate{UnitPrice: &price}); err != nil {
		t.Fatal(err)
	}

	jobs := pendingJobsFor(t, item.ID)
	if len(jobs) != 1 {
		t.Fatalf("pending jobs = %d, want 1 coalesced row", len(jobs))
	}
	// The folded row keeps the earliest event type.
	if jobs[0].EventType != string(models.SyncEventInsert) {
		t.Errorf("event type = %s, want INSERT kept", jobs[0].EventType)
	}
	var data models.SyncEventData
	if err := utils.UnmarshalFromJSON([]byte(jobs[0].EventData), &data); err != nil {
		t.Fatal(err)
	}
	fields := strings.Join(data.ChangedFields, ",")
	if !strings.Contains(fields, "Name") || !strings.Contains(fields, "UnitPrice") {
		t.Errorf("coalesced changed fields = %v", data.ChangedFields)
	}

	// Deactivation raises the coalesced priority to HIGH.
	inactive := false
	if _, err := models.UpdateItem(ctx, item.ID, &models.ItemUpdate{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}
	jobs = pendingJobsFor(t, item.ID)
	if len(jobs) != 1 || jobs[0].Priority != string(models.SyncPriorityHigh) {
		t.Errorf("jobs = %+v, want single HIGH row", jobs)
	}
}

func TestClaimOrderingAndPerEntitySerialization(t *testing.T) {
	ctx := setupSyncTestDB(t)
	low := createTestItem(t, ctx, "ITEM-LOW-01")
	high := createTestItem(t, ctx, "ITEM-HIGH-01")

	db := config.GetDB()
	// Raise one job to HIGH directly; creation order favored the other.
	if err := db.Model(&models.SyncJob{}).
		Where("entity_id = ?", high.ID).
		Updates(map[string]interface{}{
			"Priority":     models.SyncPriorityHigh,
			"PriorityRank": models.PriorityRank(models.SyncPriorityHigh),
		}).Error; err != nil {
		t.Fatal(err)
	}

	claimed, err := models.ClaimNextSyncJobs(ctx, "worker-a", 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].EntityId != high.ID {
		t.Fatalf("claimed = %+v, want the HIGH job first", claimed)
	}
	if claimed[0].Status != models.SyncJobStatusProcessing || claimed[0].LockedBy != "worker-a" {
		t.Errorf("claimed job = %+v", claimed[0])
	}

	// While the HIGH entity is PROCESSING, a new PENDING job for it may
	// exist but must not be claimable.
	name := "edited mid-flight"
	if _, err := models.UpdateItem(ctx, high.ID, &models.ItemUpdate{Name: &name}); err != nil {
		t.Fatal(err)
	}
	claimed2, err := models.ClaimNextSyncJobs(ctx, "worker-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range claimed2 {
		if j.EntityId == high.ID {
			t.Errorf("second claim took entity %d while already PROCESSING", high.ID)
		}
	}
	if len(claimed2) != 1 || claimed2[0].EntityId != low.ID {
		t.Errorf("second claim = %+v, want only the other entity", claimed2)
	}
}

func TestClaimGuardRefusesEntityClaimedByAnotherWorker(t *testing.T) {
	ctx := setupSyncTestDB(t)
	item := createTestItem(t, ctx, "BENCH-TEAK-07")

	// worker-a claims the insert job and its transaction commits.
	claimedA, err := models.ClaimNextSyncJobs(ctx, "worker-a", 1)
	if err != nil || len(claimedA) != 1 {
		t.Fatalf("worker-a claim: %v (%d)", err, len(claimedA))
	}

	// A concurrent edit lands a fresh PENDING row for the same entity
	// after worker-a's commit. worker-b's claim must refuse it: the
	// PROCESSING exclusion is checked at update time, so it holds even
	// when worker-b's reads predate worker-a's commit.
	name := "edited while in flight"
	if _, err := models.UpdateItem(ctx, item.ID, &models.ItemUpdate{Name: &name}); err != nil {
		t.Fatal(err)
	}
	claimedB, err := models.ClaimNextSyncJobs(ctx, "worker-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimedB) != 0 {
		t.Fatalf("worker-b claimed %+v while entity %d was PROCESSING", claimedB, item.ID)
	}
	jobs := pendingJobsFor(t, item.ID)
	if len(jobs) != 1 || jobs[0].LockedBy != "" {
		t.Fatalf("pending row = %+v, want untouched", jobs)
	}

	// Once worker-a finishes, the held-back row becomes claimable.
	if err := models.MarkSyncJobCompleted(ctx, claimedA[0].ID); err != nil {
		t.Fatal(err)
	}
	claimedB, err = models.ClaimNextSyncJobs(ctx, "worker-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimedB) != 1 || claimedB[0].EntityId != item.ID || claimedB[0].LockedBy != "worker-b" {
		t.Errorf("post-completion claim = %+v", claimedB)
	}
}

func TestRetryBackoffAndExhaustion(t *testing.T) {
	ctx := setupSyncTestDB(t)
	item := createTestItem(t, ctx, "SHELF-IRON-03")

	for attempt := 1; attempt <= 5; attempt++ {
		claimed, err := models.ClaimNextSyncJobs(ctx, "worker-a", 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: claimed %d jobs", attempt, len(claimed))
		}
		if err := models.MarkSyncJobFailed(ctx, claimed[0].ID, "netsuite server error (status 500)", false); err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}

		job, err := models.GetSyncJob(ctx, claimed[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if attempt < 5 {
			if job.Status != models.SyncJobStatusPending {
				t.Fatalf("attempt %d: status = %s, want PENDING", attempt, job.Status)
			}
			if job.NextAttemptAt == nil || !job.NextAttemptAt.After(time.Now()) {
				t.Fatalf("attempt %d: next_attempt_at = %v, want future", attempt, job.NextAttemptAt)
			}
			// Backed-off jobs are not due yet.
			if again, _ := models.ClaimNextSyncJobs(ctx, "worker-a", 1); len(again) != 0 {
				t.Fatalf("attempt %d: claimed a backed-off job", attempt)
			}
			// Make it due for the next round.
			if err := config.GetDB().Model(&models.SyncJob{}).
				Where("id = ?", job.ID).
				Update("next_attempt_at", time.Now().Add(-time.Second)).Error; err != nil {
				t.Fatal(err)
			}
		} else {
			if job.Status != models.SyncJobStatusFailed {
				t.Fatalf("status after exhaustion = %s, want FAILED", job.Status)
			}
		}
	}

	// Manual requeue resets the budget.
	jobs := func() []models.SyncJob {
		db := config.GetDB()
		var out []models.SyncJob
		db.Where("entity_id = ?", item.ID).Find(&out)
		return out
	}()
	requeued, err := models.RequeueSyncJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	fresh, _ := models.GetSyncJob(ctx, requeued.ID)
	if fresh.Status != models.SyncJobStatusPending || fresh.Attempts != 0 {
		t.Errorf("requeued job = %+v", fresh)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	ctx := setupSyncTestDB(t)
	createTestItem(t, ctx, "DESK-WAL-04")

	claimed, err := models.ClaimNextSyncJobs(ctx, "worker-a", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if err := models.MarkSyncJobFailed(ctx, claimed[0].ID, "netsuite rejected payload (status 422)", true); err != nil {
		t.Fatal(err)
	}
	job, _ := models.GetSyncJob(ctx, claimed[0].ID)
	if job.Status != models.SyncJobStatusFailed || job.Attempts != 1 {
		t.Errorf("job = %+v, want FAILED on first permanent error", job)
	}
}

func TestNetSuiteOriginSuppressesEnqueue(t *testing.T) {
	ctx := setupSyncTestDB(t)
	item := createTestItem(t, ctx, "LAMP-BRASS-05")

	// Drain the insert job so the table is quiet.
	claimed, _ := models.ClaimNextSyncJobs(ctx, "worker-a", 10)
	for _, j := range claimed {
		if err := models.MarkSyncJobCompleted(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
	}

	// Inbound apply path: NETSUITE origin writes must log but not
	// enqueue an outbound echo.
	applyCtx := utils.SetSyncOriginInContext(ctx, models.ChangeOriginNetSuite)
	db := config.GetDB()
	err := db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
		var target models.Item
		if err := tx.Where("id = ?", item.ID).Take(&target).Error; err != nil {
			return err
		}
		return tx.Model(&target).Updates(map[string]interface{}{
			"UnitPrice": decimal.NewFromInt(175),
		}).Error
	})
	if err != nil {
		t.Fatalf("inbound apply: %v", err)
	}

	if jobs := pendingJobsFor(t, item.ID); len(jobs) != 0 {
		t.Errorf("inbound write enqueued %d outbound jobs", len(jobs))
	}
	entries, _ := models.GetChangeLog(ctx, models.SyncEntityItem, item.ID, 10)
	if len(entries) < 2 || entries[0].Origin != models.ChangeOriginNetSuite {
		t.Errorf("change log head = %+v, want NETSUITE-origin entry", entries)
	}
}

func TestRecoverStaleSyncJobs(t *testing.T) {
	ctx := setupSyncTestDB(t)
	createTestItem(t, ctx, "SOFA-GREY-06")

	claimed, err := models.ClaimNextSyncJobs(ctx, "worker-dead", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Fresh lock is not stale.
	count, err := models.RecoverStaleSyncJobs(ctx, 10*time.Minute)
	if err != nil || count != 0 {
		t.Fatalf("recover fresh = %d, %v", count, err)
	}

	// Age the lock past the threshold.
	if err := config.GetDB().Model(&models.SyncJob{}).
		Where("id = ?", claimed[0].ID).
		Update("locked_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatal(err)
	}
	count, err = models.RecoverStaleSyncJobs(ctx, 10*time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("recover aged = %d, %v", count, err)
	}
	job, _ := models.GetSyncJob(ctx, claimed[0].ID)
	if job.Status != models.SyncJobStatusPending || job.LockedBy != "" {
		t.Errorf("recovered job = %+v", job)
	}
	// Recovery consumed no attempt.
	if job.Attempts != 0 {
		t.Errorf("attempts = %d after recovery, want 0", job.Attempts)
	}
}

func TestVendorMappingDeactivationHidesMapping(t *testing.T) {
	ctx := setupSyncTestDB(t)

	saved, err := models.SaveVendorMapping(ctx, &models.NewVendorMapping{
		LocalVendorId:  9,
		RemoteVendorId: "NS-VEND-9",
	})
	if err != nil {
		t.Fatalf("save mapping: %v", err)
	}
	if saved.Active == nil || !*saved.Active {
		t.Fatalf("new mapping = %+v, want active by default", saved)
	}

	mapping, err := models.GetVendorMapping(ctx, 9)
	if err != nil || mapping == nil {
		t.Fatalf("active mapping lookup = %+v, %v", mapping, err)
	}

	// Deactivating pulls the vendor out of every lookup path.
	inactive := false
	if _, err := models.SaveVendorMapping(ctx, &models.NewVendorMapping{
		LocalVendorId:  9,
		RemoteVendorId: "NS-VEND-9",
		Active:         &inactive,
	}); err != nil {
		t.Fatal(err)
	}
	mapping, err = models.GetVendorMapping(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if mapping != nil {
		t.Errorf("deactivated mapping still returned: %+v", mapping)
	}
	batch, err := models.GetVendorMappings(ctx, []int{9})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := batch[9]; ok {
		t.Errorf("deactivated mapping present in batch lookup")
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("opms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=opms_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
