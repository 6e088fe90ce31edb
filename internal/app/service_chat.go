package app

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"
	"time"

	"fastemis/api/internal/moderation"
	"fastemis/api/internal/search"
	"fastemis/api/internal/store"
)

const (
	messagesDefaultLimit = 120
	messagesMinLimit     = 20
	messagesMaxLimit     = 300

	mediaListLimit = 240

	presignTTL = 15 * time.Minute
)

// FetchOptions carries the incremental-sync cursor for a message fetch.
// SinceID wins over SinceTS; with neither set, the most recent Limit messages
// are returned as the initial page.
type FetchOptions struct {
	SinceID int64
	SinceTS time.Time
	Limit   int
}

// FetchDirectMessages returns the direct-channel batch for the calling role
// and flips the caller's pending read flags for the whole channel.
func (s *Service) FetchDirectMessages(ctx context.Context, session Session, targetUserID string, opts FetchOptions) (map[string]any, error) {
	channelUserID, err := s.resolveDirectChannel(ctx, session, targetUserID)
	if err != nil {
		return nil, err
	}
	s.touchPresence(ctx, session.UserID)
	return s.fetchChannel(ctx, store.ChannelDirect, channelUserID, session.Role, opts)
}

// PostDirectMessage masks, persists, and audits one direct-channel message.
func (s *Service) PostDirectMessage(ctx context.Context, session Session, targetUserID, text, mediaKey, mediaName string) (map[string]any, error) {
	channelUserID, err := s.resolveDirectChannel(ctx, session, targetUserID)
	if err != nil {
		return nil, err
	}

	label := session.UserName
	if session.Role == store.RoleAgent {
		channelUser, err := s.store.GetUserByID(ctx, channelUserID)
		if err != nil {
			return nil, err
		}
		label = firstNonBlank(channelUser.AssignedAgentName, session.UserName)
	}

	s.touchPresence(ctx, session.UserID)
	created, err := s.createChannelMessage(ctx, channelMessageInput{
		Kind:        store.ChannelDirect,
		Ref:         channelUserID,
		AuditRef:    "direct:" + channelUserID,
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

// WithdrawMessage soft-deletes a message for everyone. Agent only; the
// second attempt on the same id reports NotFound because the first already
// moved it out of the active set.
func (s *Service) WithdrawMessage(ctx context.Context, session Session, messageID int64) error {
	if session.Role != store.RoleAgent {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the agent can delete messages for everyone", nil)
	}
	withdrawn, err := s.store.WithdrawMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !withdrawn {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}
	return nil
}

// Presence reports whether the chat counterpart is active now. For a user
// that is the agent; for the agent it is the requested user. Calling it also
// refreshes the caller's own last-seen timestamp.
func (s *Service) Presence(ctx context.Context, session Session, targetUserID string) (map[string]any, error) {
	s.touchPresence(ctx, session.UserID)

	var counterpart store.User
	var err error
	if session.Role == store.RoleAgent {
		if strings.TrimSpace(targetUserID) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		}
		counterpart, err = s.store.GetUserByID(ctx, targetUserID)
	} else {
		counterpart, err = s.store.GetAgent(ctx)
	}
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"online":     activeNow(counterpart.LastSeenAt),
		"lastSeenAt": nil,
	}
	if counterpart.LastSeenAt != nil {
		payload["lastSeenAt"] = counterpart.LastSeenAt.Format(time.RFC3339)
	}
	return payload, nil
}

// ChatDirectory lists the agent's chat inbox: every end user with a preview
// of the latest visible direct message and the agent's unread count.
func (s *Service) ChatDirectory(ctx context.Context, session Session, query string, favoritesOnly bool) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	filter := store.ChatDirectoryFilter{Query: strings.TrimSpace(query), FavoritesOnly: favoritesOnly}
	if filter.Query != "" && s.search != nil {
		filter.MatchIDs = s.search.Members(filter.Query, 60)
	}

	users, err := s.store.ListChatUsers(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		preview, err := s.store.LastVisibleMessage(ctx, store.ChannelDirect, user.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.store.UnreadCount(ctx, store.ChannelDirect, user.ID, store.RoleAgent)
		if err != nil {
			return nil, err
		}
		item := map[string]any{
			"userId":      user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
			"mobile":      user.Mobile,
			"agentAlias":  user.AssignedAgentName,
			"isFavorite":  user.IsChatFavorite,
			"online":      activeNow(user.LastSeenAt),
			"unreadCount": unread,
			"lastMessage": nil,
			"preview":     previewText(preview),
		}
		if preview != nil {
			item["lastMessage"] = s.messageJSON(ctx, *preview)
		}
		items = append(items, item)
	}
	return map[string]any{"chats": items}, nil
}

// previewText renders the one-line inbox preview of the latest message.
func previewText(msg *store.Message) string {
	switch {
	case msg == nil:
		return "No messages yet"
	case msg.MediaKey != "":
		return "Media: " + firstNonBlank(msg.MediaName, "attachment")
	default:
		return msg.Content
	}
}

// SetChatAlias assigns the display alias the agent uses in a user's direct
// chat.
func (s *Service) SetChatAlias(ctx context.Context, session Session, userID, alias string) error {
	if session.Role != store.RoleAgent {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	changed, err := s.store.SetChatAlias(ctx, userID, strings.TrimSpace(alias))
	if err != nil {
		return err
	}
	if !changed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	return nil
}

func (s *Service) SetChatFavorite(ctx context.Context, session Session, userID string, favorite bool) error {
	if session.Role != store.RoleAgent {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	changed, err := s.store.SetChatFavorite(ctx, userID, favorite)
	if err != nil {
		return err
	}
	if !changed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	return nil
}

// ClearDirectChat hard-deletes every message in a user's direct channel,
// including the stored attachments. Agent only; returns the number of
// removed rows.
func (s *Service) ClearDirectChat(ctx context.Context, session Session, userID string) (int64, error) {
	if session.Role != store.RoleAgent {
		return 0, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return 0, err
	}
	deleted, mediaKeys, err := s.store.DeleteChannelMessages(ctx, store.ChannelDirect, userID)
	if err != nil {
		return 0, err
	}
	s.removeStoredMedia(ctx, mediaKeys)
	return deleted, nil
}

// removeStoredMedia drops orphaned attachment objects after their messages
// are gone. Failures only log; the rows are already deleted.
func (s *Service) removeStoredMedia(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.media.Remove(ctx, key); err != nil {
			log.Printf("media: remove %s: %v", key, err)
		}
	}
}

// ListChannelMedia returns the media messages of a channel, newest first.
func (s *Service) ListChannelMedia(ctx context.Context, session Session, kind, ref string) (map[string]any, error) {
	if err := s.authorizeChannel(ctx, session, kind, ref); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMediaMessages(ctx, kind, ref, mediaListLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, s.messageJSON(ctx, m))
	}
	return map[string]any{"media": items}, nil
}

// resolveDirectChannel maps the caller onto a direct channel. Users always
// get their own; the agent names the user.
func (s *Service) resolveDirectChannel(ctx context.Context, session Session, targetUserID string) (string, error) {
	if session.Role == store.RoleAgent {
		if strings.TrimSpace(targetUserID) == "" {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		}
		user, err := s.store.GetUserByID(ctx, targetUserID)
		if err != nil {
			return "", err
		}
		if user.Role != store.RoleUser {
			return "", sql.ErrNoRows
		}
		return user.ID, nil
	}
	if targetUserID != "" && targetUserID != session.UserID {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return session.UserID, nil
}

// authorizeChannel checks that the session may touch the channel before any
// message read or write happens.
func (s *Service) authorizeChannel(ctx context.Context, session Session, kind, ref string) error {
	switch kind {
	case store.ChannelDirect:
		if session.Role == store.RoleAgent {
			return nil
		}
		if ref != session.UserID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return nil
	case store.ChannelGhost:
		thread, err := s.store.GetThread(ctx, ref)
		if err != nil {
			return err
		}
		if session.Role != store.RoleAgent && thread.UserID != session.UserID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return nil
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown channel kind", nil)
	}
}

// fetchChannel materializes the batch, then flips the reader's pending flags
// for the whole channel so concurrent fetches with different cursors agree.
func (s *Service) fetchChannel(ctx context.Context, kind, ref, readerRole string, opts FetchOptions) (map[string]any, error) {
	var messages []store.Message
	var err error
	switch {
	case opts.SinceID > 0:
		messages, err = s.store.ListMessagesSince(ctx, kind, ref, opts.SinceID)
	case !opts.SinceTS.IsZero():
		messages, err = s.store.ListMessagesSinceTime(ctx, kind, ref, opts.SinceTS)
	default:
		limit := clampLimit(opts.Limit, messagesDefaultLimit, messagesMinLimit, messagesMaxLimit)
		messages, err = s.store.ListMessagesTail(ctx, kind, ref, limit)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.store.MarkMessagesRead(ctx, kind, ref, readerRole); err != nil {
		return nil, err
	}
	unread, err := s.store.UnreadCount(ctx, kind, ref, readerRole)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, s.messageJSON(ctx, m))
	}
	return map[string]any{
		"messages":    items,
		"unreadCount": unread,
	}, nil
}

type channelMessageInput struct {
	Kind        string
	Ref         string
	AuditRef    string
	Context     string
	SenderRole  string
	SenderLabel string
	ActorID     string
	Text        string
	MediaKey    string
	MediaName   string
}

// createChannelMessage masks the text, persists the message, and hands the
// audit event to the recorder after the write committed.
func (s *Service) createChannelMessage(ctx context.Context, input channelMessageInput) (store.Message, error) {
	text := strings.TrimSpace(input.Text)
	mediaKey := strings.TrimSpace(input.MediaKey)
	if text == "" && mediaKey == "" {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message text or media is required", nil)
	}

	masked := moderation.Mask(text)

	messageType := store.MessageText
	if mediaKey != "" {
		messageType = store.MessageMedia
	}

	message := store.Message{
		ChannelKind:    input.Kind,
		ChannelRef:     input.Ref,
		SenderRole:     input.SenderRole,
		SenderLabel:    input.SenderLabel,
		Type:           messageType,
		Content:        masked.Text,
		MediaKey:       mediaKey,
		MediaName:      strings.TrimSpace(input.MediaName),
		Status:         store.StatusActive,
		ReadByUser:     input.SenderRole != store.SenderAgent,
		ReadByAgent:    input.SenderRole != store.SenderUser,
		ContentMasked:  masked.Masked,
		ModerationNote: masked.Reason,
	}

	created, err := s.store.CreateMessage(ctx, message)
	if err != nil {
		return store.Message{}, err
	}

	if masked.Masked {
		s.recorder.Record(store.ModerationEvent{
			ActorID:          input.ActorID,
			Context:          input.Context,
			Action:           moderation.ActionMasked,
			Reason:           masked.Reason,
			ChannelRef:       input.AuditRef,
			OriginalExcerpt:  text,
			SanitizedExcerpt: masked.Text,
		})
	}
	return created, nil
}

func (s *Service) messageJSON(ctx context.Context, m store.Message) map[string]any {
	item := map[string]any{
		"id":            m.ID,
		"channelKind":   m.ChannelKind,
		"channelRef":    m.ChannelRef,
		"senderRole":    m.SenderRole,
		"senderLabel":   m.SenderLabel,
		"type":          m.Type,
		"content":       m.Content,
		"mediaName":     m.MediaName,
		"contentMasked": m.ContentMasked,
		"readByUser":    m.ReadByUser,
		"readByAgent":   m.ReadByAgent,
		"createdAt":     m.CreatedAt.Format(time.RFC3339),
	}
	if m.ModerationNote != "" {
		item["moderationNote"] = m.ModerationNote
	}
	if m.MediaKey != "" && s.media.Enabled() {
		if url, err := s.media.PresignGet(ctx, m.MediaKey, presignTTL); err == nil {
			item["mediaUrl"] = url
		}
	}
	return item
}

func (s *Service) indexPostForSearch(post store.CommunityPost) {
	s.search.IndexPost(search.PostRecord{
		ID:         post.ID,
		Body:       post.Content,
		AuthorName: post.AuthorName,
		IsRoot:     post.ParentID == nil,
	})
}
