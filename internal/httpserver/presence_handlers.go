package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"asyv_realtime/internal/domain"
)

// PresenceReader is the read side of the presence store.
type PresenceReader interface {
	OnlineUsersWithProfile(ctx context.Context, excludeUserID int64) []domain.ProfileView
	OnlineUsersCount(ctx context.Context, excludeUserID int64) int
}

type presenceResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handlePresence serves GET /presence?excludeUserId=&countOnly=. Store
// failures read as nobody online.
func handlePresence(p PresenceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var exclude int64
		if v := q.Get("excludeUserId"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, presenceResponse{Error: "invalid excludeUserId"})
				return
			}
			exclude = id
		}
		countOnly, _ := strconv.ParseBool(q.Get("countOnly"))

		if countOnly {
			writeJSON(w, http.StatusOK, presenceResponse{
				Success: true,
				Count:   p.OnlineUsersCount(r.Context(), exclude),
			})
			return
		}

		users := p.OnlineUsersWithProfile(r.Context(), exclude)
		writeJSON(w, http.StatusOK, presenceResponse{
			Success:   true,
			Data:      users,
			Count:     len(users),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
