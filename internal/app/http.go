package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fastemis/api/internal/auth"
	"fastemis/api/internal/store"
)

const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/agent-login" {
		s.handleAgentLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "personas":
		if r.Method == http.MethodGet && len(parts) == 2 {
			payload, err := s.service.ListPersonas(r.Context(), session)
			s.respond(w, payload, err)
			return
		}
	case "chat":
		s.handleChat(w, r, session, parts[2:])
		return
	case "media":
		if r.Method == http.MethodPost && len(parts) == 2 {
			s.handleMediaUpload(w, r, session)
			return
		}
	case "ghost":
		if len(parts) >= 3 && parts[2] == "threads" {
			s.handleGhostThreads(w, r, session, parts[3:])
			return
		}
	case "community":
		s.handleCommunity(w, r, session, parts[2:])
		return
	case "announcements":
		if r.Method == http.MethodGet && len(parts) == 2 {
			payload, err := s.service.ListAnnouncements(r.Context(), session)
			s.respond(w, payload, err)
			return
		}
	case "agent":
		s.handleAgent(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFetchOptions(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.FetchDirectMessages(r.Context(), session, "", opts)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			var body struct {
				Text      string `json:"text"`
				MediaKey  string `json:"mediaKey"`
				MediaName string `json:"mediaName"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.PostDirectMessage(r.Context(), session, "", body.Text, body.MediaKey, body.MediaName)
			s.respond(w, payload, err)
			return
		}
	case "presence":
		// POST doubles as the heartbeat; both touch the caller's last_seen_at.
		if r.Method == http.MethodGet || r.Method == http.MethodPost {
			payload, err := s.service.Presence(r.Context(), session, strings.TrimSpace(r.URL.Query().Get("userId")))
			s.respond(w, payload, err)
			return
		}
	case "media":
		if r.Method == http.MethodGet {
			payload, err := s.service.ListChannelMedia(r.Context(), session, store.ChannelDirect, session.UserID)
			s.respond(w, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleGhostThreads(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListThreads(r.Context(), session)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			var body struct {
				PersonaID       string `json:"personaId"`
				CommunityPostID int64  `json:"communityPostId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.CommunityPostID != 0 {
				payload, err := s.service.OpenThreadFromCommunityPost(r.Context(), session, body.CommunityPostID)
				s.respondThreadOpen(w, payload, err)
				return
			}
			if strings.TrimSpace(body.PersonaID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "personaId is required", nil)
				return
			}
			payload, err := s.service.OpenThread(r.Context(), session, body.PersonaID)
			s.respondThreadOpen(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	threadID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Favorite      *bool  `json:"favorite"`
				Locked        *bool  `json:"locked"`
				PersonaID     string `json:"personaId"`
				AdminOverride bool   `json:"adminOverride"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.PatchThread(r.Context(), session, threadID, ThreadPatch{
				Favorite:      body.Favorite,
				Locked:        body.Locked,
				PersonaID:     strings.TrimSpace(body.PersonaID),
				AdminOverride: body.AdminOverride,
			})
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			payload, err := s.service.DeleteGhostThread(r.Context(), session, threadID)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && parts[1] == "messages" {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFetchOptions(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.FetchThreadMessages(r.Context(), session, threadID, opts)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			var body struct {
				Text      string `json:"text"`
				MediaKey  string `json:"mediaKey"`
				MediaName string `json:"mediaName"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.PostThreadMessage(r.Context(), session, threadID, body.Text, body.MediaKey, body.MediaName)
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 2 && parts[1] == "media" && r.Method == http.MethodGet {
		payload, err := s.service.ListChannelMedia(r.Context(), session, store.ChannelGhost, threadID)
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCommunity(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "feed" && r.Method == http.MethodGet {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.CommunityFeed(r.Context(), session, limit, r.URL.Query().Get("q"))
		s.respond(w, payload, err)
		return
	}

	if len(parts) == 1 && parts[0] == "posts" && r.Method == http.MethodPost {
		var body struct {
			Content   string `json:"content"`
			ParentID  int64  `json:"parentId"`
			PersonaID string `json:"personaId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateCommunityPost(r.Context(), session, body.ParentID, body.Content, body.PersonaID)
		s.respond(w, payload, err)
		return
	}

	if len(parts) == 3 && parts[0] == "posts" && parts[2] == "replies" && r.Method == http.MethodGet {
		postID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "post id must be an integer", nil)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.CommunityReplies(r.Context(), postID, limit)
		s.respond(w, payload, err)
		return
	}

	if len(parts) == 1 && parts[0] == "settings" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetCommunitySettings(r.Context())
			s.respond(w, payload, err)
			return
		case http.MethodPatch:
			var body struct {
				Title         string `json:"title"`
				ActiveMembers *int   `json:"activeMembers"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateCommunitySettings(r.Context(), session, body.Title, body.ActiveMembers)
			s.respond(w, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAgent(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "chats":
		s.handleAgentChats(w, r, session, parts[1:])
		return
	case "messages":
		if len(parts) == 2 && r.Method == http.MethodDelete {
			messageID, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message id must be an integer", nil)
				return
			}
			if err := s.service.WithdrawMessage(r.Context(), session, messageID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	case "personas":
		s.handleAgentPersonas(w, r, session, parts[1:])
		return
	case "announcements":
		s.handleAgentAnnouncements(w, r, session, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAgentChats(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		favorites := r.URL.Query().Get("favorites") == "true"
		payload, err := s.service.ChatDirectory(r.Context(), session, r.URL.Query().Get("q"), favorites)
		s.respond(w, payload, err)
		return
	}

	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	userID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodPatch {
		var body struct {
			Alias    *string `json:"alias"`
			Favorite *bool   `json:"favorite"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Alias != nil {
			if err := s.service.SetChatAlias(r.Context(), session, userID, *body.Alias); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
		}
		if body.Favorite != nil {
			if err := s.service.SetChatFavorite(r.Context(), session, userID, *body.Favorite); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 2 && parts[1] == "messages" {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFetchOptions(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.FetchDirectMessages(r.Context(), session, userID, opts)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			var body struct {
				Text      string `json:"text"`
				MediaKey  string `json:"mediaKey"`
				MediaName string `json:"mediaName"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.PostDirectMessage(r.Context(), session, userID, body.Text, body.MediaKey, body.MediaName)
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			deleted, err := s.service.ClearDirectChat(r.Context(), session, userID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deletedMessages": deleted})
			return
		}
	}

	if len(parts) == 2 && parts[1] == "media" && r.Method == http.MethodGet {
		payload, err := s.service.ListChannelMedia(r.Context(), session, store.ChannelDirect, userID)
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAgentPersonas(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListPersonas(r.Context(), session)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			input, err := decodePersonaInput(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreatePersona(r.Context(), session, input)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	personaID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPatch:
			input, err := decodePersonaInput(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdatePersona(r.Context(), session, personaID, input)
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			payload, err := s.service.DeletePersona(r.Context(), session, personaID)
			s.respond(w, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAgentAnnouncements(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListAnnouncements(r.Context(), session)
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			input, err := decodeAnnouncementInput(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateAnnouncement(r.Context(), session, input)
			s.respond(w, payload, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPatch:
			input, err := decodeAnnouncementInput(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateAnnouncement(r.Context(), session, id, input)
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			if err := s.service.DeleteAnnouncement(r.Context(), session, id); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMediaUpload(w http.ResponseWriter, r *http.Request, session Session) {
	mediaSvc := s.service.media
	if !mediaSvc.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage is not configured", nil)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	key, err := mediaSvc.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Upload failed", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"mediaKey":  key,
		"mediaName": header.Filename,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		Mobile      string `json:"mobile"`
		Password    string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Register(r.Context(), body.DisplayName, body.Email, body.Mobile, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(session))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Identifier, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

func (s *HTTPServer) handleAgentLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Passcode string `json:"passcode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.AgentLogin(r.Context(), body.Username, body.Passcode)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

// respond writes a service payload or its mapped error.
func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// respondThreadOpen writes 201 when the open call created the thread and 200
// when it returned an existing one.
func (s *HTTPServer) respondThreadOpen(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	status := http.StatusOK
	if created, ok := payload["created"].(bool); ok && created {
		status = http.StatusCreated
	}
	writeJSON(w, status, payload)
}

func sessionJSON(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func decodePersonaInput(r *http.Request) (PersonaInput, error) {
	var body struct {
		GhostID        string `json:"ghostId"`
		DisplayName    string `json:"displayName"`
		IdentityTag    string `json:"identityTag"`
		Info           string `json:"info"`
		ShortBio       string `json:"shortBio"`
		ToneGuidelines string `json:"toneGuidelines"`
		IsActive       *bool  `json:"isActive"`
		SortOrder      *int   `json:"sortOrder"`
	}
	if err := decodeBody(r, &body); err != nil {
		return PersonaInput{}, err
	}
	return PersonaInput{
		GhostID:        body.GhostID,
		DisplayName:    body.DisplayName,
		IdentityTag:    body.IdentityTag,
		Info:           body.Info,
		ShortBio:       body.ShortBio,
		ToneGuidelines: body.ToneGuidelines,
		IsActive:       body.IsActive,
		SortOrder:      body.SortOrder,
	}, nil
}

func decodeAnnouncementInput(r *http.Request) (AnnouncementInput, error) {
	var body struct {
		Scope        string `json:"scope"`
		TargetUserID string `json:"targetUserId"`
		Title        string `json:"title"`
		Body         string `json:"body"`
		IsActive     *bool  `json:"isActive"`
	}
	if err := decodeBody(r, &body); err != nil {
		return AnnouncementInput{}, err
	}
	return AnnouncementInput{
		Scope:        body.Scope,
		TargetUserID: body.TargetUserID,
		Title:        body.Title,
		Body:         body.Body,
		IsActive:     body.IsActive,
	}, nil
}

// parseFetchOptions reads the incremental-sync cursor from the query string.
func parseFetchOptions(r *http.Request) (FetchOptions, error) {
	var opts FetchOptions
	if raw := strings.TrimSpace(r.URL.Query().Get("sinceId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return FetchOptions{}, fmt.Errorf("sinceId must be an integer")
		}
		opts.SinceID = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("sinceTs")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return FetchOptions{}, fmt.Errorf("sinceTs must be an RFC 3339 timestamp")
		}
		opts.SinceTS = parsed
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return FetchOptions{}, err
	}
	opts.Limit = limit
	return opts, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return parsed, nil
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return http.StatusConflict, "CONFLICT", "Duplicate record", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
