// Package authpw provides email/password accounts for writers.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"lyricsync/internal/store"
	"lyricsync/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid sign-up request")
)

const minPasswordLength = 8

// WriterStore is the storage the account service needs.
type WriterStore interface {
	GetWriterByEmail(ctx context.Context, email string) (store.Writer, error)
	CreateWriter(ctx context.Context, writer store.Writer) (store.Writer, error)
}

type Service struct {
	store WriterStore
	cost  int
}

func NewService(store WriterStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a writer account with the default writer role.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Writer, error) {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || name == "" || req.Password == "" {
		return store.Writer{}, fmt.Errorf("%w: email, password, and display name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.Writer{}, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return store.Writer{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	if _, err := s.store.GetWriterByEmail(ctx, email); err == nil {
		return store.Writer{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Writer{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Writer{}, fmt.Errorf("hash password: %w", err)
	}

	writer, err := s.store.CreateWriter(ctx, store.Writer{
		ID:           util.NewID("wr"),
		DisplayName:  name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         "writer",
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Writer{}, ErrEmailTaken
	}
	if err != nil {
		return store.Writer{}, fmt.Errorf("create writer: %w", err)
	}
	return writer, nil
}

// SignIn checks the password for email. Unknown emails and wrong passwords
// fail the same way.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Writer, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.Writer{}, ErrInvalidCredentials
	}
	writer, err := s.store.GetWriterByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Writer{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Writer{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(writer.PasswordHash), []byte(password)); err != nil {
		return store.Writer{}, ErrInvalidCredentials
	}
	return writer, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
