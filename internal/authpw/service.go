// Package authpw provides password credential handling for user accounts
// and the agent passcode.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"fastemis/api/internal/store"
	"fastemis/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateAccount   = errors.New("account already exists")
)

var mobilePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// UserStore defines the storage interface for account auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByMobile(ctx context.Context, mobile string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service registers and authenticates end-user accounts.
type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

// RegisterRequest contains sign-up parameters.
type RegisterRequest struct {
	DisplayName string
	Email       string
	Mobile      string
	Password    string
}

// Register creates a new end-user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	name := strings.TrimSpace(req.DisplayName)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	mobile := strings.TrimSpace(req.Mobile)

	if name == "" || email == "" || req.Password == "" {
		return store.User{}, errors.New("name, email, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}
	if mobile != "" && !mobilePattern.MatchString(mobile) {
		return store.User{}, errors.New("mobile must be 10 to 15 digits")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  name,
		Email:        email,
		Mobile:       mobile,
		PasswordHash: string(hash),
		Role:         store.RoleUser,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrDuplicateAccount
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates by email or mobile number plus password.
func (s *Service) SignIn(ctx context.Context, identifier, password string) (store.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	var user store.User
	var err error
	if strings.Contains(identifier, "@") {
		user, err = s.store.GetUserByEmail(ctx, identifier)
	} else {
		user, err = s.store.GetUserByMobile(ctx, identifier)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPasscode hashes the agent passcode for bootstrap storage.
func HashPasscode(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash passcode: %w", err)
	}
	return string(hash), nil
}

// VerifyPasscode checks the agent passcode against its stored hash.
func VerifyPasscode(hash, passcode string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) == nil
}
