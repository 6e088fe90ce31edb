package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"fastemis/api/internal/moderation"
	"fastemis/api/internal/store"
)

func TestCreateCommunityPostValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("content required", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateCommunityPost(ctx, userSession("usr_1", "Priya"), 0, "   ", "")
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("agent needs a persona", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateCommunityPost(ctx, agentSession(), 0, "hello", "")
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("user cannot borrow a persona", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateCommunityPost(ctx, userSession("usr_1", "Priya"), 0, "hello", "psn_1")
		expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	})
}

func TestCreateCommunityPostInactivePersona(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		GetPersonaFn: func(ctx context.Context, id string) (store.Persona, error) {
			return store.Persona{ID: id, GhostID: "retired_helper", DisplayName: "Retired Helper", IsActive: false}, nil
		},
		InsertCommunityPostFn: func(ctx context.Context, post store.CommunityPost) (store.CommunityPost, error) {
			t.Fatal("post must not be inserted under an inactive persona")
			return post, nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.CreateCommunityPost(ctx, agentSession(), 0, "hello", "psn_retired")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateCommunityPostReplyDepth(t *testing.T) {
	ctx := context.Background()
	rootID := int64(1)
	fs := &fakeStore{
		GetCommunityPostFn: func(ctx context.Context, id int64) (store.CommunityPost, error) {
			if id == 1 {
				return store.CommunityPost{ID: 1, AuthorType: "user", AuthorID: "usr_2"}, nil
			}
			// id 2 is itself a reply
			return store.CommunityPost{ID: 2, AuthorType: "user", AuthorID: "usr_2", ParentID: &rootID}, nil
		},
	}
	service, _ := newTestService(fs)

	result, err := service.CreateCommunityPost(ctx, userSession("usr_1", "Priya"), 1, "replying to the root", "")
	if err != nil {
		t.Fatalf("reply to root: %v", err)
	}
	if result["parentId"] != int64(1) {
		t.Fatalf("expected parentId 1, got %v", result["parentId"])
	}

	_, err = service.CreateCommunityPost(ctx, userSession("usr_1", "Priya"), 2, "replying to a reply", "")
	domainErr := expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	if domainErr.Message != "Replies are limited to one level" {
		t.Fatalf("unexpected message %q", domainErr.Message)
	}
}

func TestCreateCommunityPostAsPersona(t *testing.T) {
	ctx := context.Background()
	var saved store.CommunityPost
	fs := &fakeStore{
		GetPersonaFn: func(ctx context.Context, id string) (store.Persona, error) {
			return activePersona(id, "rafiq_tech", "Rafiq Tech"), nil
		},
		InsertCommunityPostFn: func(ctx context.Context, post store.CommunityPost) (store.CommunityPost, error) {
			saved = post
			post.ID = 7
			post.CreatedAt = time.Now()
			return post, nil
		},
	}
	service, _ := newTestService(fs)

	result, err := service.CreateCommunityPost(ctx, agentSession(), 0, "a word from the team", "psn_3")
	if err != nil {
		t.Fatalf("persona post: %v", err)
	}
	if saved.AuthorType != "persona" || saved.AuthorName != "Rafiq Tech" {
		t.Fatalf("unexpected author %s/%s", saved.AuthorType, saved.AuthorName)
	}
	if result["authorType"] != "persona" {
		t.Fatalf("unexpected payload author type %v", result["authorType"])
	}
}

func TestCreateCommunityPostMaskingAudited(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		InsertCommunityPostFn: func(ctx context.Context, post store.CommunityPost) (store.CommunityPost, error) {
			post.ID = 42
			post.CreatedAt = time.Now()
			return post, nil
		},
	}
	service, recorder := newTestService(fs)

	result, err := service.CreateCommunityPost(ctx, userSession("usr_1", "Priya"), 0, "call me on 01812345678", "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if content := result["content"].(string); strings.Contains(content, "01812345678") {
		t.Fatalf("expected the number masked, got %q", content)
	}
	if len(recorder.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(recorder.events))
	}
	event := recorder.events[0]
	if event.ChannelRef != "community_post:42" {
		t.Fatalf("unexpected audit ref %q", event.ChannelRef)
	}
	if event.Context != moderation.ContextCommunity {
		t.Fatalf("unexpected audit context %q", event.Context)
	}
}

func TestCommunityRepliesRootOnly(t *testing.T) {
	ctx := context.Background()
	rootID := int64(1)
	fs := &fakeStore{
		GetCommunityPostFn: func(ctx context.Context, id int64) (store.CommunityPost, error) {
			return store.CommunityPost{ID: id, ParentID: &rootID}, nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.CommunityReplies(ctx, 2, 5)
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCommunityFeed(t *testing.T) {
	ctx := context.Background()
	var gotLimit int
	fs := &fakeStore{
		ListRootPostsFn: func(ctx context.Context, limit int, matchIDs []int64) ([]store.CommunityPost, error) {
			gotLimit = limit
			return []store.CommunityPost{{ID: 1, AuthorType: "user", AuthorName: "Priya", Content: "hello", CreatedAt: time.Now(), ReplyCount: 3}}, nil
		},
		ListRepliesFn: func(ctx context.Context, parentID int64, limit int) ([]store.CommunityPost, error) {
			if limit != feedReplyPreview {
				t.Errorf("expected preview limit %d, got %d", feedReplyPreview, limit)
			}
			return []store.CommunityPost{{ID: 2, ParentID: &parentID, Content: "welcome"}}, nil
		},
		ListPersonasFn: func(ctx context.Context, activeOnly bool) ([]store.Persona, error) {
			if !activeOnly {
				t.Error("expected the feed to list active personas only")
			}
			return []store.Persona{{ID: "psn_1", GhostID: "aarav_helper", DisplayName: "Aarav Helper", IsActive: true}}, nil
		},
	}
	service, _ := newTestService(fs)

	result, err := service.CommunityFeed(ctx, userSession("usr_1", "Priya"), 200, "")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if gotLimit != feedMaxLimit {
		t.Fatalf("expected clamped limit %d, got %d", feedMaxLimit, gotLimit)
	}

	posts := result["posts"].([]map[string]any)
	if len(posts) != 1 {
		t.Fatalf("expected one post, got %d", len(posts))
	}
	preview := posts[0]["replyPreview"].([]map[string]any)
	if len(preview) != 1 || preview[0]["parentId"] != int64(1) {
		t.Fatalf("unexpected reply preview %v", preview)
	}

	rules := result["safetyRules"].([]string)
	if len(rules) != 3 {
		t.Fatalf("expected three safety rules, got %d", len(rules))
	}
	personas := result["personas"].([]map[string]any)
	if len(personas) != 1 || personas[0]["ghostId"] != "aarav_helper" {
		t.Fatalf("unexpected personas %v", personas)
	}

	settings := result["settings"].(map[string]any)
	if settings["title"] != "community chat." || settings["activeMembers"] != 89 {
		t.Fatalf("unexpected settings %v", settings)
	}
}

func TestUpdateCommunitySettings(t *testing.T) {
	ctx := context.Background()
	var saved store.CommunitySettings
	fs := &fakeStore{
		UpdateCommunitySettingsFn: func(ctx context.Context, settings store.CommunitySettings) error {
			saved = settings
			return nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.UpdateCommunitySettings(ctx, userSession("usr_1", "Priya"), "new title", nil)
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	negative := -1
	_, err = service.UpdateCommunitySettings(ctx, agentSession(), "", &negative)
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	members := 120
	if _, err := service.UpdateCommunitySettings(ctx, agentSession(), "evening circle", &members); err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Title != "evening circle" || saved.ActiveMembersDisplay != 120 {
		t.Fatalf("unexpected saved settings %+v", saved)
	}

	// a blank title keeps the existing one
	if _, err := service.UpdateCommunitySettings(ctx, agentSession(), "   ", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Title != "community chat." {
		t.Fatalf("expected the stored title kept, got %q", saved.Title)
	}
}
