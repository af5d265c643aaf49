package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/conversation"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/message"
	"github.com/Tyrowin/orbit/internal/models"
	"github.com/Tyrowin/orbit/internal/room"
	"github.com/Tyrowin/orbit/internal/store"
)

const maxBodyBytes = 1 << 20

var errAdminOnly = errors.New("admin role required")

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write json response failed", zap.Error(err))
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrMissingCredential), errors.Is(err, identity.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, errAdminOnly),
		errors.Is(err, conversation.ErrNotParticipant),
		errors.Is(err, message.ErrNotAuthor),
		errors.Is(err, message.ErrNotChannelMember):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, message.ErrAlreadyDeleted):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidTarget),
		errors.Is(err, models.ErrInvalidTaskMessage),
		errors.Is(err, models.ErrInvalidMessageType),
		errors.Is(err, conversation.ErrInvalidSelfThread),
		errors.Is(err, message.ErrEmptyMessage),
		errors.Is(err, message.ErrInvalidReply),
		errors.Is(err, message.ErrInvalidReaction),
		errors.Is(err, room.ErrMalformedKey),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"message": msg}, s.log)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// authenticate verifies the request credential and stores the identity in
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := identity.CredentialFromRequest(r, s.cfg.Auth.CookieName)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		id, err := s.deps.Verifier.Verify(r.Context(), credential)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identity.FromContext(r.Context())
		if !id.HasRole(s.cfg.Auth.AdminRole) {
			s.writeError(w, r, errAdminOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func viewer(r *http.Request) identity.ID {
	id, _ := identity.FromContext(r.Context())
	return id.ID
}

type openDMRequest struct {
	OtherUserID identity.ID `json:"otherUserId"`
	TeamID      string      `json:"teamId"`
}

// openDM returns the caller's thread with another member of the same team,
// creating it on first use.
func (s *Server) openDM(w http.ResponseWriter, r *http.Request) {
	var req openDMRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OtherUserID.String()) == "" || strings.TrimSpace(req.TeamID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: otherUserId and teamId are required", errBadRequest))
		return
	}
	me := viewer(r)
	for _, user := range []identity.ID{me, req.OtherUserID} {
		ok, err := s.deps.Store.IsTeamMember(r.Context(), req.TeamID, user)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: both users must belong to team %s", ErrForbidden, req.TeamID))
			return
		}
	}
	th, err := s.deps.Threads.GetOrCreateThread(r.Context(), me, req.OtherUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, _ := th.SummaryFor(me)
	writeJSON(w, http.StatusOK, map[string]any{"dm": sum}, s.log)
}

func (s *Server) listDMs(w http.ResponseWriter, r *http.Request) {
	sums, err := s.deps.Threads.Threads(r.Context(), viewer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dms": sums}, s.log)
}

func (s *Server) getDM(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	th, err := s.deps.Threads.Thread(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, _ := th.SummaryFor(me)
	writeJSON(w, http.StatusOK, map[string]any{"dm": sum}, s.log)
}

func (s *Server) markDMRead(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	th, err := s.deps.Threads.MarkRead(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, _ := th.SummaryFor(me)
	writeJSON(w, http.StatusOK, map[string]any{"dm": sum}, s.log)
}

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Type        models.MessageType  `json:"type"`
	Attachments []models.Attachment `json:"attachments"`
	TaskData    *models.TaskData    `json:"taskData"`
	ReplyTo     string              `json:"replyTo"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, target models.Target) {
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.deps.Dispatcher.Send(r.Context(), message.SendRequest{
		Target:      target,
		Sender:      viewer(r),
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
		TaskData:    req.TaskData,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg}, s.log)
}

// list serves one page of messages. nextCursor is the id to pass as
// "before" for the next older page, or null when the page is empty.
func (s *Server) list(w http.ResponseWriter, r *http.Request, target models.Target) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit: %v", errBadRequest, err))
			return
		}
		limit = n
	}
	var statuses []models.TaskStatus
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, models.TaskStatus(st))
			}
		}
	}
	msgs, err := s.deps.Dispatcher.List(r.Context(), message.ListQuery{
		Target:       target,
		Viewer:       viewer(r),
		Before:       q.Get("before"),
		Limit:        limit,
		Type:         models.MessageType(q.Get("type")),
		TaskStatuses: statuses,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var next *string
	if len(msgs) > 0 {
		oldest := msgs[0].ID
		next = &oldest
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "nextCursor": next}, s.log)
}

func (s *Server) listDMMessages(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, models.ThreadTarget(mux.Vars(r)["id"]))
}

func (s *Server) sendDMMessage(w http.ResponseWriter, r *http.Request) {
	s.send(w, r, models.ThreadTarget(mux.Vars(r)["id"]))
}

func (s *Server) listChannelMessages(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, models.ChannelTarget(mux.Vars(r)["id"]))
}

func (s *Server) sendChannelMessage(w http.ResponseWriter, r *http.Request) {
	s.send(w, r, models.ChannelTarget(mux.Vars(r)["id"]))
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.deps.Dispatcher.Edit(r.Context(), mux.Vars(r)["id"], viewer(r), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg}, s.log)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Dispatcher.SoftDelete(r.Context(), mux.Vars(r)["id"], viewer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg}, s.log)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) toggleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.deps.Dispatcher.ToggleReaction(r.Context(), mux.Vars(r)["id"], viewer(r), req.Emoji)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg}, s.log)
}

func (s *Server) addTeamMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Store.AddTeamMember(r.Context(), vars["id"], identity.ID(vars["userId"])); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addChannelMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Store.AddChannelMember(r.Context(), vars["id"], identity.ID(vars["userId"])); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
