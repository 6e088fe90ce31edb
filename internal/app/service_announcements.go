package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"fastemis/api/internal/store"
	"fastemis/api/internal/util"
)

const (
	announcementsUserLimit = 30
	maxActiveAnnouncements = 2

	scopeGlobal  = "global"
	scopePrivate = "private"
)

// AnnouncementInput carries the writable announcement fields.
type AnnouncementInput struct {
	Scope        string
	TargetUserID string
	Title        string
	Body         string
	IsActive     *bool
}

// ListAnnouncements returns the active announcements visible to the caller:
// global ones plus private ones targeted at them.
func (s *Service) ListAnnouncements(ctx context.Context, session Session) (map[string]any, error) {
	if session.Role == store.RoleAgent {
		items, err := s.store.ListAllAnnouncements(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"announcements": announcementItems(items)}, nil
	}

	items, err := s.store.ListAnnouncementsForUser(ctx, session.UserID, announcementsUserLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"announcements": announcementItems(items)}, nil
}

// CreateAnnouncement publishes an announcement. At most two active ones per
// scope (and per target user for private scope).
func (s *Service) CreateAnnouncement(ctx context.Context, session Session, input AnnouncementInput) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	scope := strings.TrimSpace(input.Scope)
	if scope == "" {
		scope = scopeGlobal
	}
	if scope != scopeGlobal && scope != scopePrivate {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope must be global or private", nil)
	}
	title := strings.TrimSpace(input.Title)
	body := strings.TrimSpace(input.Body)
	if title == "" || body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and body are required", nil)
	}

	targetUserID := strings.TrimSpace(input.TargetUserID)
	if scope == scopePrivate {
		if targetUserID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetUserId is required for private announcements", nil)
		}
		if _, err := s.store.GetUserByID(ctx, targetUserID); err != nil {
			return nil, err
		}
	} else {
		targetUserID = ""
	}

	active, err := s.store.CountActiveAnnouncements(ctx, scope, targetUserID)
	if err != nil {
		return nil, err
	}
	if active >= maxActiveAnnouncements {
		return nil, domainError(http.StatusConflict, "CONFLICT", "Active announcement limit reached for this scope", nil)
	}

	announcement := store.Announcement{
		ID:           util.NewID("ann"),
		Scope:        scope,
		TargetUserID: targetUserID,
		Title:        title,
		Body:         body,
		IsActive:     true,
	}
	if input.IsActive != nil {
		announcement.IsActive = *input.IsActive
	}
	if err := s.store.InsertAnnouncement(ctx, announcement); err != nil {
		return nil, err
	}
	return announcementJSON(announcement), nil
}

// UpdateAnnouncement patches an announcement's text or active flag.
func (s *Service) UpdateAnnouncement(ctx context.Context, session Session, id string, input AnnouncementInput) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	announcement, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		return nil, err
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		announcement.Title = title
	}
	if body := strings.TrimSpace(input.Body); body != "" {
		announcement.Body = body
	}
	if input.IsActive != nil {
		if *input.IsActive && !announcement.IsActive {
			active, err := s.store.CountActiveAnnouncements(ctx, announcement.Scope, announcement.TargetUserID)
			if err != nil {
				return nil, err
			}
			if active >= maxActiveAnnouncements {
				return nil, domainError(http.StatusConflict, "CONFLICT", "Active announcement limit reached for this scope", nil)
			}
		}
		announcement.IsActive = *input.IsActive
	}

	updated, err := s.store.UpdateAnnouncement(ctx, announcement)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
	}
	return announcementJSON(announcement), nil
}

// DeleteAnnouncement removes an announcement.
func (s *Service) DeleteAnnouncement(ctx context.Context, session Session, id string) error {
	if session.Role != store.RoleAgent {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	deleted, err := s.store.DeleteAnnouncement(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
	}
	return nil
}

func announcementItems(items []store.Announcement) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, announcementJSON(item))
	}
	return out
}

func announcementJSON(a store.Announcement) map[string]any {
	item := map[string]any{
		"id":        a.ID,
		"scope":     a.Scope,
		"title":     a.Title,
		"body":      a.Body,
		"isActive":  a.IsActive,
		"createdAt": a.CreatedAt.Format(time.RFC3339),
	}
	if a.TargetUserID != "" {
		item["targetUserId"] = a.TargetUserID
	}
	return item
}
