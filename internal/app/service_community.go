package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fastemis/api/internal/moderation"
	"fastemis/api/internal/store"
)

const (
	feedDefaultLimit = 20
	feedMinLimit     = 5
	feedMaxLimit     = 60

	repliesDefaultLimit = 5
	repliesMinLimit     = 1
	repliesMaxLimit     = 20

	feedReplyPreview = 2
)

var communitySafetyRules = []string{
	"Do not share personal contact details like phone number or email.",
	"Do not request or disclose sensitive personal information.",
	"Messages with restricted contact details are masked for safety.",
}

// CommunityFeed lists root posts, newest first, each with a bounded reply
// preview. A query narrows the feed through the search index.
func (s *Service) CommunityFeed(ctx context.Context, session Session, limit int, query string) (map[string]any, error) {
	limit = clampLimit(limit, feedDefaultLimit, feedMinLimit, feedMaxLimit)

	var matchIDs []int64
	query = strings.TrimSpace(query)
	if query != "" {
		matchIDs = s.search.Posts(query, limit)
		if matchIDs == nil {
			matchIDs = []int64{}
		}
	}

	posts, err := s.store.ListRootPosts(ctx, limit, matchIDs)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		item := postJSON(post)
		replies, err := s.store.ListReplies(ctx, post.ID, feedReplyPreview)
		if err != nil {
			return nil, err
		}
		replyItems := make([]map[string]any, 0, len(replies))
		for _, reply := range replies {
			replyItems = append(replyItems, postJSON(reply))
		}
		item["replyPreview"] = replyItems
		items = append(items, item)
	}

	settings, err := s.store.GetCommunitySettings(ctx)
	if err != nil {
		return nil, err
	}

	personas, err := s.store.ListPersonas(ctx, true)
	if err != nil {
		return nil, err
	}
	personaItems := make([]map[string]any, 0, len(personas))
	for _, persona := range personas {
		personaItems = append(personaItems, personaJSON(persona, session.Role == store.RoleAgent))
	}

	s.touchPresence(ctx, session.UserID)
	return map[string]any{
		"posts":       items,
		"safetyRules": communitySafetyRules,
		"personas":    personaItems,
		"settings": map[string]any{
			"title":         settings.Title,
			"activeMembers": settings.ActiveMembersDisplay,
		},
	}, nil
}

// CommunityReplies lists the replies of one root post, oldest first.
func (s *Service) CommunityReplies(ctx context.Context, postID int64, limit int) (map[string]any, error) {
	post, err := s.store.GetCommunityPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.ParentID != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Replies can only be listed for root posts", nil)
	}

	limit = clampLimit(limit, repliesDefaultLimit, repliesMinLimit, repliesMaxLimit)
	replies, err := s.store.ListReplies(ctx, postID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		items = append(items, postJSON(reply))
	}
	return map[string]any{"replies": items}, nil
}

// CreateCommunityPost creates a root post or a reply. parentID zero means
// root. The agent posts under a persona; users post as themselves.
func (s *Service) CreateCommunityPost(ctx context.Context, session Session, parentID int64, content, personaID string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	authorType := "user"
	authorID := session.UserID
	authorName := session.UserName
	if session.Role == store.RoleAgent {
		if strings.TrimSpace(personaID) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "personaId is required for persona posts", nil)
		}
		persona, err := s.store.GetPersona(ctx, personaID)
		if err != nil {
			return nil, err
		}
		if !persona.IsActive {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Persona not found", nil)
		}
		authorType = "persona"
		authorID = persona.ID
		authorName = persona.DisplayName
	} else if personaID != "" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the agent posts as a persona", nil)
	}

	if parentID != 0 {
		parent, err := s.store.GetCommunityPost(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ParentID != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Replies are limited to one level", nil)
		}
	}

	masked := moderation.Mask(content)

	post := store.CommunityPost{
		AuthorType:    authorType,
		AuthorID:      authorID,
		AuthorName:    authorName,
		Content:       masked.Text,
		ContentMasked: masked.Masked,
	}
	if parentID != 0 {
		post.ParentID = &parentID
	}

	created, err := s.store.InsertCommunityPost(ctx, post)
	if err != nil {
		return nil, err
	}

	if masked.Masked {
		s.recorder.Record(store.ModerationEvent{
			ActorID:          session.UserID,
			Context:          moderation.ContextCommunity,
			Action:           moderation.ActionMasked,
			Reason:           masked.Reason,
			ChannelRef:       fmt.Sprintf("community_post:%d", created.ID),
			OriginalExcerpt:  content,
			SanitizedExcerpt: masked.Text,
		})
	}
	s.indexPostForSearch(created)
	s.touchPresence(ctx, session.UserID)

	return postJSON(created), nil
}

// GetCommunitySettings returns the forum header settings.
func (s *Service) GetCommunitySettings(ctx context.Context) (map[string]any, error) {
	settings, err := s.store.GetCommunitySettings(ctx)
	if err != nil {
		return nil, err
	}
	return communitySettingsJSON(settings), nil
}

// UpdateCommunitySettings patches the forum header. Agent only.
func (s *Service) UpdateCommunitySettings(ctx context.Context, session Session, title string, activeMembers *int) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	settings, err := s.store.GetCommunitySettings(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) != "" {
		settings.Title = strings.TrimSpace(title)
	}
	if activeMembers != nil {
		if *activeMembers < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "activeMembers must not be negative", nil)
		}
		settings.ActiveMembersDisplay = *activeMembers
	}
	if err := s.store.UpdateCommunitySettings(ctx, settings); err != nil {
		return nil, err
	}
	return communitySettingsJSON(settings), nil
}

func postJSON(post store.CommunityPost) map[string]any {
	item := map[string]any{
		"id":            post.ID,
		"authorType":    post.AuthorType,
		"authorId":      post.AuthorID,
		"authorName":    post.AuthorName,
		"content":       post.Content,
		"contentMasked": post.ContentMasked,
		"parentId":      nil,
		"replyCount":    post.ReplyCount,
		"createdAt":     post.CreatedAt.Format(time.RFC3339),
	}
	if post.ParentID != nil {
		item["parentId"] = *post.ParentID
	}
	return item
}

func communitySettingsJSON(settings store.CommunitySettings) map[string]any {
	return map[string]any{
		"title":         settings.Title,
		"activeMembers": settings.ActiveMembersDisplay,
		"updatedAt":     settings.UpdatedAt.Format(time.RFC3339),
	}
}
