package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres ILIKE matching.
type Service struct {
	meili *Meili
	pg    *PgSearch
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	return &Service{meili: meili, pg: pg}
}

// Members resolves a directory query to user IDs. A nil *Service returns no
// matches so callers can treat search as absent.
func (s *Service) Members(query string, limit int) []string {
	if s == nil {
		return nil
	}
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.SearchMembers(query, limit)
		if err == nil {
			return ids
		}
		log.Printf("search: meilisearch member query failed, falling back to postgres: %v", err)
	}

	ids, err := s.pg.SearchMembers(query, limit)
	if err != nil {
		log.Printf("search: postgres member query: %v", err)
		return nil
	}
	return ids
}

// Posts resolves a community feed query to root post IDs.
func (s *Service) Posts(query string, limit int) []int64 {
	if s == nil {
		return nil
	}
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.SearchPosts(query, limit)
		if err == nil {
			return ids
		}
		log.Printf("search: meilisearch post query failed, falling back to postgres: %v", err)
	}

	ids, err := s.pg.SearchPosts(query, limit)
	if err != nil {
		log.Printf("search: postgres post query: %v", err)
		return nil
	}
	return ids
}

// IndexMember indexes a member (fire-and-forget to Meilisearch).
func (s *Service) IndexMember(rec MemberRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMember(rec); err != nil {
			log.Printf("search: index member %s: %v", rec.ID, err)
		}
	}()
}

// IndexPost indexes a community post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(rec PostRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPost(rec); err != nil {
			log.Printf("search: index post %d: %v", rec.ID, err)
		}
	}()
}

// DeletePost removes a community post from the index (fire-and-forget).
func (s *Service) DeletePost(id int64) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePost(id); err != nil {
			log.Printf("search: delete post %d: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads all members and posts from Postgres and pushes them
// to Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s == nil || s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	members, posts, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMembers(members); err != nil {
		log.Printf("search: reindex members: %v", err)
	}
	if err := s.meili.IndexPosts(posts); err != nil {
		log.Printf("search: reindex posts: %v", err)
	}
}
