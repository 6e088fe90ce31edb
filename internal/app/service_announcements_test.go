package app

import (
	"context"
	"net/http"
	"testing"

	"fastemis/api/internal/store"
)

func TestCreateAnnouncement(t *testing.T) {
	ctx := context.Background()

	t.Run("agent only", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateAnnouncement(ctx, userSession("usr_1", "Priya"), AnnouncementInput{Title: "t", Body: "b"})
		expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	})

	t.Run("title and body required", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateAnnouncement(ctx, agentSession(), AnnouncementInput{Title: "only title"})
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("scope validated", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateAnnouncement(ctx, agentSession(), AnnouncementInput{Scope: "regional", Title: "t", Body: "b"})
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("private scope needs a target", func(t *testing.T) {
		service, _ := newTestService(&fakeStore{})
		_, err := service.CreateAnnouncement(ctx, agentSession(), AnnouncementInput{Scope: "private", Title: "t", Body: "b"})
		expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	})

	t.Run("global scope drops the target", func(t *testing.T) {
		var saved store.Announcement
		fs := &fakeStore{
			InsertAnnouncementFn: func(ctx context.Context, announcement store.Announcement) error {
				saved = announcement
				return nil
			},
		}
		service, _ := newTestService(fs)
		if _, err := service.CreateAnnouncement(ctx, agentSession(), AnnouncementInput{Title: "t", Body: "b", TargetUserID: "usr_1"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if saved.Scope != "global" || saved.TargetUserID != "" {
			t.Fatalf("unexpected saved announcement %+v", saved)
		}
		if !saved.IsActive {
			t.Fatal("expected active by default")
		}
	})

	t.Run("active cap per scope", func(t *testing.T) {
		fs := &fakeStore{
			CountActiveAnnouncementsFn: func(ctx context.Context, scope, targetUserID string) (int, error) {
				return 2, nil
			},
		}
		service, _ := newTestService(fs)
		_, err := service.CreateAnnouncement(ctx, agentSession(), AnnouncementInput{Title: "t", Body: "b"})
		expectDomainError(t, err, http.StatusConflict, "CONFLICT")
	})
}

func TestUpdateAnnouncementReactivationRecheck(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		GetAnnouncementFn: func(ctx context.Context, id string) (store.Announcement, error) {
			return store.Announcement{ID: id, Scope: "global", Title: "t", Body: "b", IsActive: false}, nil
		},
		CountActiveAnnouncementsFn: func(ctx context.Context, scope, targetUserID string) (int, error) {
			return 2, nil
		},
	}
	service, _ := newTestService(fs)

	active := true
	_, err := service.UpdateAnnouncement(ctx, agentSession(), "ann_1", AnnouncementInput{IsActive: &active})
	expectDomainError(t, err, http.StatusConflict, "CONFLICT")

	// deactivating never hits the cap
	inactive := false
	if _, err := service.UpdateAnnouncement(ctx, agentSession(), "ann_1", AnnouncementInput{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
}

func TestDeleteAnnouncement(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		DeleteAnnouncementFn: func(ctx context.Context, id string) (bool, error) {
			return id == "ann_1", nil
		},
	}
	service, _ := newTestService(fs)

	if err := service.DeleteAnnouncement(ctx, agentSession(), "ann_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := service.DeleteAnnouncement(ctx, agentSession(), "ann_missing")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	err = service.DeleteAnnouncement(ctx, userSession("usr_1", "Priya"), "ann_1")
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestListAnnouncementsByRole(t *testing.T) {
	ctx := context.Background()
	var userLimit int
	fs := &fakeStore{
		ListAnnouncementsForUserFn: func(ctx context.Context, userID string, limit int) ([]store.Announcement, error) {
			userLimit = limit
			return []store.Announcement{{ID: "ann_1", Scope: "private", TargetUserID: userID, Title: "t", Body: "b", IsActive: true}}, nil
		},
		ListAllAnnouncementsFn: func(ctx context.Context) ([]store.Announcement, error) {
			return []store.Announcement{{ID: "ann_1"}, {ID: "ann_2", IsActive: false}}, nil
		},
	}
	service, _ := newTestService(fs)

	result, err := service.ListAnnouncements(ctx, userSession("usr_1", "Priya"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if userLimit != announcementsUserLimit {
		t.Fatalf("expected user limit %d, got %d", announcementsUserLimit, userLimit)
	}
	items := result["announcements"].([]map[string]any)
	if items[0]["targetUserId"] != "usr_1" {
		t.Fatalf("unexpected item %v", items[0])
	}

	result, err = service.ListAnnouncements(ctx, agentSession())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result["announcements"].([]map[string]any)) != 2 {
		t.Fatal("expected the agent to see inactive announcements too")
	}
}
