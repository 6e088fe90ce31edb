package store

import "time"

const (
	RoleUser  = "user"
	RoleAgent = "agent"

	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"

	ChannelDirect = "direct"
	ChannelGhost  = "ghost"

	MessageText  = "text"
	MessageMedia = "media"

	StatusActive    = "active"
	StatusWithdrawn = "withdrawn"
)

type User struct {
	ID                string
	DisplayName       string
	Email             string
	Mobile            string
	PasswordHash      string
	Role              string
	AgentUsername     string
	AssignedAgentName string
	IsChatFavorite    bool
	LastSeenAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Persona struct {
	ID             string
	GhostID        string
	DisplayName    string
	IdentityTag    string
	Info           string
	ShortBio       string
	ToneGuidelines string
	IsActive       bool
	SortOrder      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type GhostThread struct {
	ID              string
	UserID          string
	PersonaID       string
	IsPersonaLocked bool
	IsFavorite      bool
	LastMessageAt   *time.Time
	CreatedAt       time.Time
}

// Message is the shared record for direct and ghost channels. ChannelRef is
// the user id for direct chats and the thread id for ghost threads.
type Message struct {
	ID             int64
	ChannelKind    string
	ChannelRef     string
	SenderRole     string
	SenderLabel    string
	Type           string
	Content        string
	MediaKey       string
	MediaName      string
	Status         string
	ReadByUser     bool
	ReadByAgent    bool
	DeletedAt      *time.Time
	DeletedByAgent bool
	ContentMasked  bool
	ModerationNote string
	CreatedAt      time.Time
}

type CommunityPost struct {
	ID            int64
	AuthorType    string
	AuthorID      string
	AuthorName    string
	ParentID      *int64
	Content       string
	ContentMasked bool
	IsDeleted     bool
	CreatedAt     time.Time
	// ReplyCount is populated on feed reads, not stored.
	ReplyCount int
}

type CommunitySettings struct {
	Title                string
	ActiveMembersDisplay int
	UpdatedAt            time.Time
}

type ModerationEvent struct {
	ID               int64
	ActorID          string
	Context          string
	Action           string
	Reason           string
	ChannelRef       string
	OriginalExcerpt  string
	SanitizedExcerpt string
	CreatedAt        time.Time
}

type Announcement struct {
	ID           string
	Scope        string
	TargetUserID string
	Title        string
	Body         string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChatDirectoryFilter narrows the agent's chat directory listing. MatchIDs
// carries search hits resolved upstream; nil means no text filter was applied.
type ChatDirectoryFilter struct {
	Query         string
	MatchIDs      []string
	FavoritesOnly bool
}
