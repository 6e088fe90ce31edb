package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"fastemis/api/internal/store"
	"fastemis/api/internal/util"
)

var ghostIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,40}$`)

type personaSeed struct {
	GhostID        string
	DisplayName    string
	IdentityTag    string
	ShortBio       string
	ToneGuidelines string
	SortOrder      int
}

var defaultPersonaSeeds = []personaSeed{
	{GhostID: "aarav_helper", DisplayName: "Aarav Helper", IdentityTag: "friendly_helper", ShortBio: "Friendly EMI buddy for quick help.", ToneGuidelines: "Warm, simple, supportive.", SortOrder: 10},
	{GhostID: "sana_guide", DisplayName: "Sana Guide", IdentityTag: "process_guide", ShortBio: "Answers process and document questions.", ToneGuidelines: "Calm, clear, reassuring.", SortOrder: 20},
	{GhostID: "rafiq_tech", DisplayName: "Rafiq Tech", IdentityTag: "tech_support", ShortBio: "Helps with upload and status issues.", ToneGuidelines: "Practical, step-by-step.", SortOrder: 30},
}

// PersonaInput carries the mutable persona fields for create and update.
type PersonaInput struct {
	GhostID        string
	DisplayName    string
	IdentityTag    string
	Info           string
	ShortBio       string
	ToneGuidelines string
	IsActive       *bool
	SortOrder      *int
}

// ListPersonas returns the directory. End users only see active personas.
func (s *Service) ListPersonas(ctx context.Context, session Session) (map[string]any, error) {
	personas, err := s.store.ListPersonas(ctx, session.Role != store.RoleAgent)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(personas))
	for _, persona := range personas {
		items = append(items, personaJSON(persona, session.Role == store.RoleAgent))
	}
	return map[string]any{"personas": items}, nil
}

// CreatePersona adds a persona to the directory. Agent only; ghost id and
// display name must be unique case-insensitively.
func (s *Service) CreatePersona(ctx context.Context, session Session, input PersonaInput) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	displayName := strings.TrimSpace(input.DisplayName)
	ghostID := strings.TrimSpace(input.GhostID)
	if displayName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}
	if ghostID == "" {
		derived, err := s.deriveGhostID(ctx, displayName)
		if err != nil {
			return nil, err
		}
		ghostID = derived
	}
	if !ghostIDPattern.MatchString(ghostID) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ghostId must be 3 to 40 characters of letters, digits, underscore, or hyphen", nil)
	}

	persona := store.Persona{
		ID:             util.NewID("psn"),
		GhostID:        ghostID,
		DisplayName:    displayName,
		IdentityTag:    strings.TrimSpace(input.IdentityTag),
		Info:           input.Info,
		ShortBio:       input.ShortBio,
		ToneGuidelines: input.ToneGuidelines,
		IsActive:       true,
		SortOrder:      100,
	}
	if input.IsActive != nil {
		persona.IsActive = *input.IsActive
	}
	if input.SortOrder != nil {
		persona.SortOrder = *input.SortOrder
	}

	if err := s.store.InsertPersona(ctx, persona); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A persona with this ghostId or displayName already exists", nil)
		}
		return nil, err
	}
	return personaJSON(persona, true), nil
}

// UpdatePersona patches mutable persona fields. The ghost id is immutable.
func (s *Service) UpdatePersona(ctx context.Context, session Session, personaID string, input PersonaInput) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	persona, err := s.store.GetPersona(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if ghostID := strings.TrimSpace(input.GhostID); ghostID != "" && !strings.EqualFold(ghostID, persona.GhostID) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ghost_id is locked and cannot be edited.", nil)
	}

	if displayName := strings.TrimSpace(input.DisplayName); displayName != "" {
		persona.DisplayName = displayName
	}
	if input.IdentityTag != "" {
		persona.IdentityTag = strings.TrimSpace(input.IdentityTag)
	}
	if input.Info != "" {
		persona.Info = input.Info
	}
	if input.ShortBio != "" {
		persona.ShortBio = input.ShortBio
	}
	if input.ToneGuidelines != "" {
		persona.ToneGuidelines = input.ToneGuidelines
	}
	if input.IsActive != nil {
		persona.IsActive = *input.IsActive
	}
	if input.SortOrder != nil {
		persona.SortOrder = *input.SortOrder
	}

	updated, err := s.store.UpdatePersona(ctx, persona)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A persona with this displayName already exists", nil)
		}
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	return personaJSON(persona, true), nil
}

// DeletePersona cascades over the persona's threads, their messages, and
// its community posts in one transaction, reporting the counts. Hidden
// posts are also dropped from the search index.
func (s *Service) DeletePersona(ctx context.Context, session Session, personaID string) (map[string]any, error) {
	if session.Role != store.RoleAgent {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	threads, messages, postIDs, err := s.store.DeletePersonaCascade(ctx, personaID)
	if err != nil {
		return nil, err
	}
	for _, id := range postIDs {
		s.search.DeletePost(id)
	}
	return map[string]any{
		"deletedThreads":  threads,
		"deletedMessages": messages,
		"deletedPosts":    int64(len(postIDs)),
	}, nil
}

// ensureDefaultPersonas reconciles the seed personas on every bootstrap
// without touching ghost ids.
func (s *Service) ensureDefaultPersonas(ctx context.Context) error {
	for _, seed := range defaultPersonaSeeds {
		existing, err := s.store.GetPersonaByGhostID(ctx, seed.GhostID)
		if errors.Is(err, sql.ErrNoRows) {
			persona := store.Persona{
				ID:             util.NewID("psn"),
				GhostID:        seed.GhostID,
				DisplayName:    seed.DisplayName,
				IdentityTag:    seed.IdentityTag,
				ShortBio:       seed.ShortBio,
				ToneGuidelines: seed.ToneGuidelines,
				IsActive:       true,
				SortOrder:      seed.SortOrder,
			}
			if err := s.store.InsertPersona(ctx, persona); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		existing.DisplayName = seed.DisplayName
		existing.IdentityTag = seed.IdentityTag
		existing.ShortBio = firstNonBlank(existing.ShortBio, seed.ShortBio)
		existing.ToneGuidelines = firstNonBlank(existing.ToneGuidelines, seed.ToneGuidelines)
		existing.SortOrder = seed.SortOrder
		existing.IsActive = true
		if _, err := s.store.UpdatePersona(ctx, existing); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return nil
}

// backfillGhostIDs derives ghost ids for personas created before the field
// existed.
func (s *Service) backfillGhostIDs(ctx context.Context) error {
	personas, err := s.store.ListPersonasWithoutGhostID(ctx)
	if err != nil {
		return err
	}
	for _, persona := range personas {
		ghostID, err := s.deriveGhostID(ctx, persona.DisplayName)
		if err != nil {
			return err
		}
		if err := s.store.SetPersonaGhostID(ctx, persona.ID, ghostID); err != nil {
			return err
		}
	}
	return nil
}

// deriveGhostID builds a unique identifier from a display name: lower-case,
// non-alphanumeric runs collapsed to underscores, minimum length 3, at most
// 40 characters, _1/_2/... suffix on collision.
func (s *Service) deriveGhostID(ctx context.Context, displayName string) (string, error) {
	base := slugifyGhostID(displayName)
	for suffix := 0; ; suffix++ {
		candidate := base
		if suffix > 0 {
			candidate = fmt.Sprintf("%s_%d", base, suffix)
			if len(candidate) > 40 {
				candidate = candidate[:40]
			}
		}
		exists, err := s.store.GhostIDExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

func slugifyGhostID(displayName string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, ch := range strings.ToLower(strings.TrimSpace(displayName)) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) < 3 {
		slug = "ghost_" + slug
		slug = strings.TrimRight(slug, "_")
	}
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "_")
	}
	return slug
}

func personaJSON(persona store.Persona, includePrivate bool) map[string]any {
	item := map[string]any{
		"id":          persona.ID,
		"ghostId":     persona.GhostID,
		"displayName": persona.DisplayName,
		"identityTag": persona.IdentityTag,
		"shortBio":    persona.ShortBio,
		"isActive":    persona.IsActive,
		"sortOrder":   persona.SortOrder,
		"createdAt":   persona.CreatedAt.Format(time.RFC3339),
	}
	if includePrivate {
		item["info"] = persona.Info
		item["toneGuidelines"] = persona.ToneGuidelines
	}
	return item
}
