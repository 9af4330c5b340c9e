package snapshot

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/foliosim/paper-engine/internal/auth"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/trade"
)

// HandleList returns the caller's snapshots, ascending by time. Optional
// from/to query parameters (RFC 3339) bound the range.
func (r *Recorder) HandleList(w http.ResponseWriter, req *http.Request) {
	accountID, ok := auth.AccountID(req)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var from, to time.Time
	if raw := req.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			trade.WriteError(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if raw := req.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			trade.WriteError(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}

	snaps, err := r.store.SnapshotsByAccount(req.Context(), accountID, from, to)
	if err != nil {
		trade.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.WealthSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleStats returns the caller's derived statistics row. 404 until the
// first snapshot has been recorded.
func (r *Recorder) HandleStats(w http.ResponseWriter, req *http.Request) {
	accountID, ok := auth.AccountID(req)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	stats, err := r.store.GetUserStats(req.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			trade.WriteError(w, "no stats recorded yet", http.StatusNotFound)
			return
		}
		trade.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleRecord takes an on-demand snapshot for the caller.
func (r *Recorder) HandleRecord(w http.ResponseWriter, req *http.Request) {
	accountID, ok := auth.AccountID(req)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	snap, err := r.Record(req.Context(), accountID, "manual", model.SnapshotOrder)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			trade.WriteError(w, "account not found", http.StatusNotFound)
			return
		}
		trade.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
