package progressor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"encoding/json"

	"chatd/pkg/convkey"
	"chatd/pkg/logger"
	"chatd/pkg/store"
)

const (
	systemVersionKey    = "system:version"
	systemInProgressKey = "system:migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for migration logic.
func Sync(ctx context.Context, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Migration: backfill the membership index from existing summaries.
	// Conversations written before the member index existed have a
	// summary but no member:<participant>:<key> entries, which makes them
	// invisible to the participant chat listing. This is idempotent and
	// safe to run multiple times.
	keys, err := store.ListKeys("chat:")
	if err != nil {
		logger.Error("progressor_list_chats_failed", "error", err)
		return err
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, ":summary") {
			continue
		}
		conv := strings.TrimSuffix(strings.TrimPrefix(k, "chat:"), ":summary")
		a, b, err := convkey.Split(conv)
		if err != nil {
			logger.Warn("progressor_bad_conversation_key", "key", conv, "error", err)
			continue
		}
		if err := store.AddMembership(a, conv); err != nil {
			logger.Error("progressor_membership_backfill_failed", "participant", a, "conversation", conv, "error", err)
			continue
		}
		if err := store.AddMembership(b, conv); err != nil {
			logger.Error("progressor_membership_backfill_failed", "participant", b, "conversation", conv, "error", err)
			continue
		}
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, newVersion string) (bool, error) {
	stored, err := store.GetKey(systemVersionKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("progressor_read_version_failed", "error", err)
	}
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		logger.Info("progressor_noop", "version", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := store.SaveKey(systemInProgressKey, mb); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("progressor_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}
	logger.Info("progressor_sync_succeeded", "from", stored, "to", newVersion)

	if err := store.SaveKey(systemVersionKey, []byte(newVersion)); err != nil {
		logger.Error("progressor_persist_version_failed", "version", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}

	if err := store.DeleteKey(systemInProgressKey); err != nil {
		logger.Error("progressor_delete_inprogress_failed", "error", err)
	}

	logger.Info("progressor_version_persisted", "version", newVersion)
	return true, nil
}
