package sessions

import (
	"context"
	"fmt"
)

// RestoreAll recreates a session for every id that has persisted
// credentials. It runs once at process start, before the request-serving
// boundary accepts traffic, so sessions survive a process restart without
// waiting for a caller to ask for them.
//
// Per-id failures are logged and skipped; the error return is reserved for
// failing to enumerate the store at all.
func (r *Registry) RestoreAll(ctx context.Context) error {
	ids, err := r.cfg.Store.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("enumerate persisted sessions: %w", err)
	}
	restored := 0
	for _, id := range ids {
		if _, err := r.CreateOrGet(ctx, id); err != nil {
			r.log.Error("restoring session failed", "session_id", id, "err", err)
			continue
		}
		restored++
	}
	r.log.Info("session restore complete", "persisted", len(ids), "restored", restored)
	return nil
}
