package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fastemis/api/internal/auth"
	"fastemis/api/internal/authpw"
	"fastemis/api/internal/config"
	"fastemis/api/internal/media"
	"fastemis/api/internal/search"
	"fastemis/api/internal/store"
	"fastemis/api/internal/util"
)

// presenceWindow is how recent last_seen_at must be for "active now".
const presenceWindow = 90 * time.Second

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByMobile(context.Context, string) (store.User, error)
	EnsureAgent(context.Context, store.User) (store.User, error)
	GetAgent(context.Context) (store.User, error)
	TouchLastSeen(context.Context, string) error
	SetChatAlias(context.Context, string, string) (bool, error)
	SetChatFavorite(context.Context, string, bool) (bool, error)
	ListChatUsers(context.Context, store.ChatDirectoryFilter) ([]store.User, error)

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateMessage(context.Context, store.Message) (store.Message, error)
	GetActiveMessage(context.Context, int64) (store.Message, error)
	WithdrawMessage(context.Context, int64) (bool, error)
	ListMessagesSince(context.Context, string, string, int64) ([]store.Message, error)
	ListMessagesSinceTime(context.Context, string, string, time.Time) ([]store.Message, error)
	ListMessagesTail(context.Context, string, string, int) ([]store.Message, error)
	MarkMessagesRead(context.Context, string, string, string) (int64, error)
	UnreadCount(context.Context, string, string, string) (int, error)
	LastVisibleMessage(context.Context, string, string) (*store.Message, error)
	ListMediaMessages(context.Context, string, string, int) ([]store.Message, error)
	DeleteChannelMessages(context.Context, string, string) (int64, []string, error)

	InsertPersona(context.Context, store.Persona) error
	GetPersona(context.Context, string) (store.Persona, error)
	GetPersonaByGhostID(context.Context, string) (store.Persona, error)
	GetPersonaByDisplayName(context.Context, string) (store.Persona, error)
	ListPersonas(context.Context, bool) ([]store.Persona, error)
	UpdatePersona(context.Context, store.Persona) (bool, error)
	ListPersonasWithoutGhostID(context.Context) ([]store.Persona, error)
	SetPersonaGhostID(context.Context, string, string) error
	GhostIDExists(context.Context, string) (bool, error)
	DeletePersonaCascade(context.Context, string) (int64, int64, []int64, error)

	GetThread(context.Context, string) (store.GhostThread, error)
	GetThreadByUserPersona(context.Context, string, string) (store.GhostThread, error)
	GetOrCreateThread(context.Context, store.GhostThread, store.Message) (store.GhostThread, bool, error)
	ListThreadsForUser(context.Context, string) ([]store.GhostThread, error)
	ListAllThreads(context.Context) ([]store.GhostThread, error)
	UpdateThreadFlags(context.Context, string, *bool, *bool) (bool, error)
	ChangeThreadPersona(context.Context, string, string, store.Message) error
	DeleteThread(context.Context, string) (int64, []string, error)

	InsertCommunityPost(context.Context, store.CommunityPost) (store.CommunityPost, error)
	GetCommunityPost(context.Context, int64) (store.CommunityPost, error)
	ListRootPosts(context.Context, int, []int64) ([]store.CommunityPost, error)
	ListReplies(context.Context, int64, int) ([]store.CommunityPost, error)
	GetCommunitySettings(context.Context) (store.CommunitySettings, error)
	UpdateCommunitySettings(context.Context, store.CommunitySettings) error

	InsertAnnouncement(context.Context, store.Announcement) error
	GetAnnouncement(context.Context, string) (store.Announcement, error)
	CountActiveAnnouncements(context.Context, string, string) (int, error)
	ListAnnouncementsForUser(context.Context, string, int) ([]store.Announcement, error)
	ListAllAnnouncements(context.Context) ([]store.Announcement, error)
	UpdateAnnouncement(context.Context, store.Announcement) (bool, error)
	DeleteAnnouncement(context.Context, string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Redis backs it in production;
// Postgres is the fallback when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// eventRecorder accepts moderation audit events after the primary write
// has committed.
type eventRecorder interface {
	Record(event store.ModerationEvent)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	search   *search.Service
	media    *media.Service
	recorder eventRecorder

	agentID string
}

func New(cfg config.Config, pg *store.PostgresStore, searchSvc *search.Service, mediaSvc *media.Service, recorder eventRecorder) *Service {
	return NewWithSessionStore(cfg, pg, pg, searchSvc, mediaSvc, recorder)
}

// NewWithSessionStore builds a Service with an explicit refresh-session
// backend, e.g. Redis.
func NewWithSessionStore(cfg config.Config, pg *store.PostgresStore, sessions sessionStore, searchSvc *search.Service, mediaSvc *media.Service, recorder eventRecorder) *Service {
	return &Service{
		cfg:      cfg,
		store:    pg,
		sessions: sessions,
		accounts: authpw.NewService(pg),
		search:   searchSvc,
		media:    mediaSvc,
		recorder: recorder,
	}
}

// Bootstrap prepares the singleton agent account, the default personas, and
// the community settings row. It runs once at startup before the server
// accepts requests.
func (s *Service) Bootstrap(ctx context.Context) error {
	passcodeHash, err := authpw.HashPasscode(s.cfg.AgentPasscode)
	if err != nil {
		return err
	}
	agent, err := s.store.EnsureAgent(ctx, store.User{
		ID:            util.NewID("agt"),
		DisplayName:   s.cfg.AgentUsername,
		Email:         s.cfg.AgentEmail,
		PasswordHash:  passcodeHash,
		Role:          store.RoleAgent,
		AgentUsername: s.cfg.AgentUsername,
	})
	if err != nil {
		return err
	}
	s.agentID = agent.ID

	if err := s.ensureDefaultPersonas(ctx); err != nil {
		return err
	}
	if err := s.backfillGhostIDs(ctx); err != nil {
		return err
	}
	if _, err := s.store.GetCommunitySettings(ctx); err != nil {
		return err
	}

	s.search.ReindexAllFromPG(ctx)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AgentID returns the singleton agent's user id, available after Bootstrap.
func (s *Service) AgentID() string {
	return s.agentID
}

func (s *Service) Register(ctx context.Context, displayName, email, mobile, password string) (Session, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		DisplayName: displayName,
		Email:       email,
		Mobile:      mobile,
		Password:    password,
	})
	if errors.Is(err, authpw.ErrDuplicateAccount) {
		return Session{}, domainError(http.StatusConflict, "CONFLICT", "An account with this email or mobile already exists", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	s.search.IndexMember(search.MemberRecord{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Mobile:      user.Mobile,
	})
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, identifier, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, identifier, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	if err != nil {
		return Session{}, err
	}
	s.touchPresence(ctx, user.ID)
	return s.issueSession(ctx, user)
}

func (s *Service) AgentLogin(ctx context.Context, username, passcode string) (Session, error) {
	agent, err := s.store.GetAgent(ctx)
	if err != nil {
		return Session{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(username), agent.AgentUsername) ||
		!authpw.VerifyPasscode(agent.PasswordHash, passcode) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	return s.issueSession(ctx, agent)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// touchPresence records interaction time for the presence window. Failures
// are ignored; presence is advisory.
func (s *Service) touchPresence(ctx context.Context, userID string) {
	_ = s.store.TouchLastSeen(ctx, userID)
}

func activeNow(lastSeen *time.Time) bool {
	return lastSeen != nil && time.Since(*lastSeen) <= presenceWindow
}

func clampLimit(limit, def, min, max int) int {
	if limit <= 0 {
		return def
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
