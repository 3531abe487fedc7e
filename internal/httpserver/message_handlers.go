package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/service"
	"asyv_realtime/internal/ws"
)

type messageCreateRequest struct {
	Content  *string `json:"content"`
	MediaURL *string `json:"mediaUrl"`
}

// handleCreateMessage persists a message for clients without a socket and
// fans it out to the conversation room afterwards.
func handleCreateMessage(msgSvc *service.MessageService, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := conversationIDParam(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		msg, err := msgSvc.SendMessage(r.Context(), service.SendMessageInput{
			ConversationID: convID,
			SenderID:       CurrentUserID(r),
			Content:        req.Content,
			MediaURL:       req.MediaURL,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if hub != nil {
			hub.Emit(r.Context(), ws.ConversationRoom(msg.ConversationID), ws.EventNewMessage, msg, nil)
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := conversationIDParam(w, r)
		if !ok {
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}

		msgs, err := msgSvc.ListMessages(r.Context(), convID, CurrentUserID(r), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}
