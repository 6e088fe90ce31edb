package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"fastemis/api/internal/moderation"
	"fastemis/api/internal/store"
	"fastemis/api/internal/util"
)

// OpenThread returns the existing thread for (user, persona) or creates it
// with a welcome system message. Concurrent opens converge on one row.
func (s *Service) OpenThread(ctx context.Context, session Session, personaID string) (map[string]any, error) {
	if session.Role != store.RoleUser {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only end users open persona threads", nil)
	}
	persona, err := s.store.GetPersona(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if !persona.IsActive {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Persona not found", nil)
	}

	welcome := store.Message{
		SenderRole:  store.SenderSystem,
		SenderLabel: persona.DisplayName,
		Type:        store.MessageText,
		Content:     fmt.Sprintf("You are now connected with %s.", persona.DisplayName),
		Status:      store.StatusActive,
		ReadByUser:  true,
		ReadByAgent: true,
	}
	thread, created, err := s.store.GetOrCreateThread(ctx, store.GhostThread{
		ID:              util.NewID("gth"),
		UserID:          session.UserID,
		PersonaID:       persona.ID,
		IsPersonaLocked: true,
	}, welcome)
	if err != nil {
		return nil, err
	}

	s.touchPresence(ctx, session.UserID)
	item, err := s.threadJSON(ctx, thread, session.Role)
	if err != nil {
		return nil, err
	}
	item["created"] = created
	return item, nil
}

// OpenThreadFromCommunityPost opens a thread with the persona that authored
// a community post, the "message privately" entry point on the forum.
func (s *Service) OpenThreadFromCommunityPost(ctx context.Context, session Session, postID int64) (map[string]any, error) {
	post, err := s.store.GetCommunityPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.AuthorType != "persona" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "This post was not authored by a persona", nil)
	}
	return s.OpenThread(ctx, session, post.AuthorID)
}

// ListThreads returns the caller's ghost threads, favorites first, most
// recently active next. The agent sees every thread.
func (s *Service) ListThreads(ctx context.Context, session Session) (map[string]any, error) {
	var threads []store.GhostThread
	var err error
	if session.Role == store.RoleAgent {
		threads, err = s.store.ListAllThreads(ctx)
	} else {
		threads, err = s.store.ListThreadsForUser(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		item, err := s.threadJSON(ctx, thread, session.Role)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return map[string]any{"threads": items}, nil
}

// FetchThreadMessages reads a ghost thread with the incremental-sync cursor
// and flips the caller's read flags.
func (s *Service) FetchThreadMessages(ctx context.Context, session Session, threadID string, opts FetchOptions) (map[string]any, error) {
	if err := s.authorizeChannel(ctx, session, store.ChannelGhost, threadID); err != nil {
		return nil, err
	}
	s.touchPresence(ctx, session.UserID)
	return s.fetchChannel(ctx, store.ChannelGhost, threadID, session.Role, opts)
}

// PostThreadMessage appends a message to a ghost thread. The agent writes
// under the persona's name, the user under their own.
func (s *Service) PostThreadMessage(ctx context.Context, session Session, threadID, text, mediaKey, mediaName string) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if session.Role != store.RoleAgent && thread.UserID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	label := session.UserName
	if session.Role == store.RoleAgent {
		persona, err := s.store.GetPersona(ctx, thread.PersonaID)
		if err != nil {
			return nil, err
		}
		label = persona.DisplayName
	}

	s.touchPresence(ctx, session.UserID)
	created, err := s.createChannelMessage(ctx, channelMessageInput{
		Kind:        store.ChannelGhost,
		Ref:         thread.ID,
		AuditRef:    "ghost_thread:" + thread.ID,
		Context:     moderation.ContextPrivateChat,
		SenderRole:  session.Role,
		SenderLabel: label,
		ActorID:     session.UserID,
		Text:        text,
		MediaKey:    mediaKey,
		MediaName:   mediaName,
	})
	if err != nil {
		return nil, err
	}
	return s.messageJSON(ctx, created), nil
}

// ThreadPatch is a partial update of a ghost thread's flags or persona.
type ThreadPatch struct {
	Favorite      *bool
	Locked        *bool
	PersonaID     string
	AdminOverride bool
}

// PatchThread applies favorite/lock toggles and persona swaps. A swap on a
// locked thread needs AdminOverride and appends a system message recording
// the change.
func (s *Service) PatchThread(ctx context.Context, session Session, threadID string, patch ThreadPatch) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if session.Role != store.RoleAgent {
		if thread.UserID != session.UserID {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if patch.Locked != nil || patch.PersonaID != "" {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the agent can change the thread lock or persona", nil)
		}
	}

	if patch.PersonaID != "" && patch.PersonaID != thread.PersonaID {
		if thread.IsPersonaLocked && !patch.AdminOverride {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Persona is locked for this thread. Use admin override to change.", nil)
		}
		persona, err := s.store.GetPersona(ctx, patch.PersonaID)
		if err != nil {
			return nil, err
		}
		if !persona.IsActive {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Persona not found", nil)
		}
		note := store.Message{
			ChannelKind: store.ChannelGhost,
			ChannelRef:  thread.ID,
			SenderRole:  store.SenderSystem,
			SenderLabel: persona.DisplayName,
			Type:        store.MessageText,
			Content:     fmt.Sprintf("Agent changed thread persona to %s.", persona.DisplayName),
			Status:      store.StatusActive,
			ReadByUser:  true,
			ReadByAgent: true,
		}
		if err := s.store.ChangeThreadPersona(ctx, thread.ID, persona.ID, note); err != nil {
			return nil, err
		}
	}

	if patch.Favorite != nil || patch.Locked != nil {
		if _, err := s.store.UpdateThreadFlags(ctx, thread.ID, patch.Favorite, patch.Locked); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.GetThread(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	return s.threadJSON(ctx, updated, session.Role)
}

// DeleteGhostThread removes a thread, its messages, and their stored
// attachments. Agent only.
func (s *Service) DeleteGhostThread(ctx context.Context, session Session, threadID string) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	deleted, mediaKeys, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.removeStoredMedia(ctx, mediaKeys)
	return map[string]any{"deletedMessages": deleted}, nil
}

func (s *Service) threadJSON(ctx context.Context, thread store.GhostThread, viewerRole string) (map[string]any, error) {
	persona, err := s.store.GetPersona(ctx, thread.PersonaID)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.UnreadCount(ctx, store.ChannelGhost, thread.ID, viewerRole)
	if err != nil {
		return nil, err
	}
	preview, err := s.store.LastVisibleMessage(ctx, store.ChannelGhost, thread.ID)
	if err != nil {
		return nil, err
	}

	item := map[string]any{
		"id":              thread.ID,
		"userId":          thread.UserID,
		"isPersonaLocked": thread.IsPersonaLocked,
		"isFavorite":      thread.IsFavorite,
		"unreadCount":     unread,
		"lastMessageAt":   nil,
		"lastMessage":     nil,
		"persona": map[string]any{
			"id":          persona.ID,
			"ghostId":     persona.GhostID,
			"displayName": persona.DisplayName,
			"identityTag": persona.IdentityTag,
		},
		"createdAt": thread.CreatedAt.Format(time.RFC3339),
	}
	if thread.LastMessageAt != nil {
		item["lastMessageAt"] = thread.LastMessageAt.Format(time.RFC3339)
	}
	if preview != nil {
		item["lastMessage"] = s.messageJSON(ctx, *preview)
	}
	if viewerRole == store.RoleAgent {
		if user, err := s.store.GetUserByID(ctx, thread.UserID); err == nil {
			item["userName"] = user.DisplayName
		}
	}
	return item, nil
}
