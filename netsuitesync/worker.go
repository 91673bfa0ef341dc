package netsuitesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"github.com/sirupsen/logrus"
)

// Worker polls sync_jobs, claims due batches and drives each job through
// the adapter. Multiple workers may run against the same database; the
// SKIP LOCKED claim keeps their batches disjoint, and the per-entity
// redis lock below is only a politeness layer on top of that.
type Worker struct {
	id           string
	adapter      *Adapter
	logger       *logrus.Logger
	pollInterval time.Duration
	batchSize    int
	enabled      bool

	// authHalted flips when the remote rejects our credentials; claiming
	// stops until the process restarts with working credentials.
	authHalted atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type WorkerOptions struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewWorker(adapter *Adapter, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = pollIntervalFromEnv()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = batchSizeFromEnv()
	}
	hostname, _ := os.Hostname()
	return &Worker{
		id:           fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		adapter:      adapter,
		logger:       config.GetLogger(),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		enabled:      config.SyncEnabled(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func pollIntervalFromEnv() time.Duration {
	v := os.Getenv("SYNC_POLL_INTERVAL_SECONDS")
	if v == "" {
		return 5 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n) * time.Second
}

func batchSizeFromEnv() int {
	v := os.Getenv("SYNC_BATCH_SIZE")
	if v == "" {
		return 10
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10
	}
	return n
}

func (w *Worker) Id() string {
	return w.id
}

// Run loops until Stop or ctx cancellation. Call it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	defer func() { _ = config.RemoveRedisKey("SyncWorker:" + w.id) }()

	if !w.enabled {
		w.logger.WithField("workerId", w.id).Warn("sync disabled, worker idle; jobs keep accumulating")
		<-w.stopOrDone(ctx)
		return
	}

	w.logger.WithFields(logrus.Fields{
		"workerId":     w.id,
		"pollInterval": w.pollInterval.String(),
		"batchSize":    w.batchSize,
	}).Info("sync worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.heartbeat()
			if w.authHalted.Load() {
				continue
			}
			w.runBatch(ctx)
		}
	}
}

func (w *Worker) stopOrDone(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		}
		close(ch)
	}()
	return ch
}

// Stop asks the loop to exit and waits for the in-flight batch to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// AuthHalted reports whether the worker stopped claiming after a
// credential rejection.
func (w *Worker) AuthHalted() bool {
	return w.authHalted.Load()
}

const (
	workerStateActive = "active"
	workerStateHalted = "halted"
)

// heartbeatValue encodes the worker's state and last-seen time into the
// redis heartbeat, so the queue endpoint can show a halted worker as
// halted instead of a healthy-looking id.
func heartbeatValue(halted bool, now time.Time) string {
	state := workerStateActive
	if halted {
		state = workerStateHalted
	}
	return state + "@" + now.UTC().Format(time.RFC3339)
}

// parseWorkerHeartbeat splits a heartbeat value back into state and
// last-seen timestamp.
func parseWorkerHeartbeat(value string) (state, lastSeen string) {
	state, lastSeen, found := strings.Cut(value, "@")
	if !found {
		return value, ""
	}
	return state, lastSeen
}

func (w *Worker) heartbeat() {
	// Visibility only; nothing reads this for correctness.
	_ = config.SetRedisValue("SyncWorker:"+w.id, heartbeatValue(w.authHalted.Load(), time.Now()), 3*w.pollInterval)
}

func (w *Worker) runBatch(ctx context.Context) {
	jobs, err := models.ClaimNextSyncJobs(ctx, w.id, w.batchSize)
	if err != nil {
		config.LogError(w.logger, "netsuitesync", "runBatch", "claim jobs", nil, err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for i := range jobs {
		select {
		case <-ctx.Done():
			// Shutting down mid-batch: put unstarted jobs back without
			// consuming attempts.
			for _, j := range jobs[i:] {
				if rerr := models.ReleaseSyncJob(context.Background(), j.ID); rerr != nil {
					config.LogError(w.logger, "netsuitesync", "runBatch", "release job on shutdown", map[string]interface{}{"jobId": j.ID}, rerr)
				}
			}
			return
		case <-w.stopCh:
			for _, j := range jobs[i:] {
				if rerr := models.ReleaseSyncJob(context.Background(), j.ID); rerr != nil {
					config.LogError(w.logger, "netsuitesync", "runBatch", "release job on stop", map[string]interface{}{"jobId": j.ID}, rerr)
				}
			}
			return
		default:
		}

		w.processJob(ctx, &jobs[i])
		if w.authHalted.Load() {
			for _, j := range jobs[i+1:] {
				if rerr := models.ReleaseSyncJob(ctx, j.ID); rerr != nil {
					config.LogError(w.logger, "netsuitesync", "runBatch", "release job on auth halt", map[string]interface{}{"jobId": j.ID}, rerr)
				}
			}
			return
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.SyncJob) {
	log := w.logger.WithFields(logrus.Fields{
		"module":     "netsuitesync",
		"workerId":   w.id,
		"jobId":      job.ID,
		"entityType": job.EntityType,
		"entityId":   job.EntityId,
		"attempt":    job.Attempts + 1,
	})

	// Best effort per-entity lock. The DB claim already guarantees one
	// in-flight job per entity; this only narrows the window where a
	// reaped-then-recovered job could overlap its original worker. Never
	// a correctness dependency.
	lockKey := fmt.Sprintf("SyncEntity:%s:%d", job.EntityType, job.EntityId)
	var lock *redislock.Lock
	if locker := config.GetRedisLock(); locker != nil {
		l, err := locker.Obtain(ctx, lockKey, 2*time.Minute, nil)
		if err == nil {
			lock = l
		} else if !errors.Is(err, redislock.ErrNotObtained) {
			log.WithField("lockKey", lockKey).Debug("redis lock unavailable, proceeding on DB claim")
		}
	}
	if lock != nil {
		defer lock.Release(context.Background())
	}

	result, err := w.adapter.SyncEntity(ctx, models.SyncEntityType(job.EntityType), job.EntityId)
	if err == nil {
		if merr := models.MarkSyncJobCompleted(ctx, job.ID); merr != nil {
			config.LogError(w.logger, "netsuitesync", "processJob", "mark completed", map[string]interface{}{"jobId": job.ID}, merr)
			return
		}
		log.WithFields(logrus.Fields{
			"outcome":    result.Outcome,
			"action":     result.Action,
			"skipReason": result.SkipReason,
		}).Info("sync job completed")
		return
	}

	if errors.Is(err, ErrAuth) {
		// Credentials are broken for every job, not just this one.
		// Release the claim without burning an attempt and stop claiming.
		w.authHalted.Store(true)
		w.heartbeat()
		if rerr := models.ReleaseSyncJob(ctx, job.ID); rerr != nil {
			config.LogError(w.logger, "netsuitesync", "processJob", "release job on auth failure", map[string]interface{}{"jobId": job.ID}, rerr)
		}
		log.Error("authentication rejected, halting sync worker")
		return
	}

	permanent := IsPermanent(err)
	if merr := models.MarkSyncJobFailed(ctx, job.ID, err.Error(), permanent); merr != nil {
		config.LogError(w.logger, "netsuitesync", "processJob", "mark failed", map[string]interface{}{"jobId": job.ID}, merr)
		return
	}
	if permanent {
		log.WithField("error", err.Error()).Error("sync job failed permanently")
	} else {
		log.WithField("error", err.Error()).Warn("sync job failed, will retry")
	}
}
