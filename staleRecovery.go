package main

import (
	"context"
	"time"

	"github.com/mmdatafocus/opms_backend/models"
	"github.com/sirupsen/logrus"
)

// StaleJobReaper periodically releases PROCESSING jobs whose worker died
// mid-run. Recovery does not consume an attempt; the remote upsert is
// idempotent, so re-running a job that actually finished is safe.
type StaleJobReaper struct {
	Logger    *logrus.Logger
	Interval  time.Duration
	Threshold time.Duration
}

func NewStaleJobReaper(logger *logrus.Logger) *StaleJobReaper {
	return &StaleJobReaper{
		Logger:    logger,
		Interval:  time.Minute,
		Threshold: models.StaleJobThreshold,
	}
}

func (r *StaleJobReaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval):
		}

		count, err := models.RecoverStaleSyncJobs(ctx, r.Threshold)
		if err != nil {
			if r.Logger != nil {
				r.Logger.WithField("field", "StaleJobReaper").Error("stale recovery failed: " + err.Error())
			}
			continue
		}
		if count > 0 && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"field": "StaleJobReaper",
				"count": count,
			}).Warn("recovered stale sync jobs")
		}
	}
}
