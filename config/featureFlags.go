package config

import (
	"os"
	"strings"
)

// SyncEnabled is the process-wide sync toggle, read once at processor
// construction. When false the processor performs no claims; jobs still
// accumulate safely in sync_jobs.
//
// Set via env:
// - SYNC_ENABLED=false (default true)
func SyncEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SyncDryRun switches the remote upsert adapter to simulate-only mode: the
// search step still runs, the would-be create/update is predicted and
// persisted, and no mutating call is issued.
//
// Set via env:
// - SYNC_DRY_RUN=true
func SyncDryRun() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_DRY_RUN")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// NetSuiteWebhookSecret is the shared secret for inbound webhook signatures.
func NetSuiteWebhookSecret() string {
	return strings.TrimSpace(os.Getenv("NETSUITE_WEBHOOK_SECRET"))
}
