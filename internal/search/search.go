package search

// MemberRecord is the data we index for a member directory entry.
type MemberRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Mobile      string `json:"mobile"`
}

// PostRecord is the data we index for a community post.
type PostRecord struct {
	ID         int64  `json:"id"`
	Body       string `json:"body"`
	AuthorName string `json:"authorName"`
	IsRoot     bool   `json:"isRoot"`
}

// MemberSearcher resolves a member query to matching user IDs.
type MemberSearcher interface {
	SearchMembers(query string, limit int) ([]string, error)
}

// PostSearcher resolves a post query to matching post IDs.
type PostSearcher interface {
	SearchPosts(query string, limit int) ([]int64, error)
}
