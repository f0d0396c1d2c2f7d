//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_user.go -package=mocks

// Package user implements account signup, login and profile updates on top
// of the identity store.
package user

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/ratelimit"
)

// ErrInvalidCredentials is returned by Login for an unknown email or a wrong
// password alike.
var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrValidation)

// Repository is the identity store.
type Repository interface {
	Create(ctx context.Context, u model.User) (model.User, error)
	FindByID(ctx context.Context, id string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Update(ctx context.Context, u model.User) (model.User, error)
}

// AvatarStore stores uploaded profile pictures.
type AvatarStore interface {
	Upload(ctx context.Context, dataURL string) (media.Blob, error)
	Delete(ctx context.Context, id string) error
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

// LoginLimiter throttles login attempts per email.
type LoginLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Postgres TEXT cannot store NUL.
	_ = v.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	})
	return v
}

// SignupInput is the signup request body. Every field is required.
type SignupInput struct {
	FullName string `json:"fullName" validate:"required,nonul"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Bio      string `json:"bio" validate:"required,nonul"`
}

// LoginInput is the login request body.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UpdateInput carries the profile fields to change; nil leaves a field as is.
// ProfilePic is either a data URL to upload or a URL to assign verbatim.
type UpdateInput struct {
	FullName   *string `json:"fullName" validate:"omitnil,nonul"`
	Bio        *string `json:"bio" validate:"omitnil,nonul"`
	ProfilePic *string `json:"profilePic" validate:"omitnil,nonul"`
}

// Session is an authenticated user with a fresh access token.
type Session struct {
	User      model.User
	Token     string
	ExpiresAt time.Time
}

// Deps are the collaborators of a Service. Limiter is optional.
type Deps struct {
	Users   Repository
	Avatars AvatarStore
	Tokens  TokenIssuer
	Limiter LoginLimiter
	Logger  *zap.Logger
}

// Service implements the account operations.
type Service struct {
	users   Repository
	avatars AvatarStore
	tokens  TokenIssuer
	limiter LoginLimiter
	logger  *zap.Logger
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:   d.Users,
		avatars: d.Avatars,
		tokens:  d.Tokens,
		limiter: d.Limiter,
		logger:  logger,
	}
}

// Signup creates an account and signs the new user in.
func (s *Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateStruct(in); err != nil {
		return Session{}, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}

	u, err := s.users.Create(ctx, model.User{
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: hash,
		Bio:          in.Bio,
	})
	if err != nil {
		return Session{}, err
	}

	s.logger.Info("user: signed up", zap.String("user", u.ID))
	return s.session(u)
}

// Login verifies credentials and returns a new session.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	if err := validateStruct(in); err != nil {
		return Session{}, err
	}

	if s.limiter != nil {
		key := strings.ToLower(strings.TrimSpace(in.Email))
		allowed, err := s.limiter.Allow(ctx, key, ratelimit.RuleLogin)
		if err != nil {
			s.logger.Warn("user: login rate limit check failed", zap.Error(err))
		}
		if !allowed {
			return Session{}, apperr.RateLimited(s.limiter.RetryAfter(ctx, key, ratelimit.RuleLogin))
		}
	}

	u, err := s.users.FindByEmail(ctx, in.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}

	ok, err := auth.ComparePassword(u.PasswordHash, in.Password)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(u)
}

// Me returns the account behind an authenticated id.
func (s *Service) Me(ctx context.Context, id string) (model.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		// The token outlived the account it names.
		return model.User{}, fmt.Errorf("%w: unknown user", apperr.ErrUnauthenticated)
	}
	return u, err
}

// UpdateProfile applies in to the user's profile. A new avatar, uploaded or
// assigned by URL, replaces the previous blob, which is removed in the
// background once the update is stored; a failed removal is only logged. An
// upload whose update fails is discarded the same way.
func (s *Service) UpdateProfile(ctx context.Context, id string, in UpdateInput) (model.User, error) {
	if in.FullName == nil && in.Bio == nil && (in.ProfilePic == nil || *in.ProfilePic == "") {
		return model.User{}, apperr.Validation("nothing to update")
	}
	if err := validateStruct(in); err != nil {
		return model.User{}, err
	}
	if in.FullName != nil {
		trimmed := strings.TrimSpace(*in.FullName)
		if trimmed == "" {
			return model.User{}, apperr.Validation("fullName must not be empty")
		}
		in.FullName = &trimmed
	}

	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return model.User{}, err
	}

	if in.FullName != nil {
		u.FullName = *in.FullName
	}
	if in.Bio != nil {
		u.Bio = *in.Bio
	}

	var staleBlob, newBlob string
	if in.ProfilePic != nil && *in.ProfilePic != "" {
		staleBlob = u.ProfilePicID
		if media.IsDataURL(*in.ProfilePic) {
			blob, err := s.avatars.Upload(ctx, *in.ProfilePic)
			if err != nil {
				return model.User{}, err
			}
			newBlob = blob.ID
			u.ProfilePic = blob.URL
			u.ProfilePicID = blob.ID
		} else {
			u.ProfilePic = *in.ProfilePic
			u.ProfilePicID = ""
		}
	}

	updated, err := s.users.Update(ctx, u)
	if err != nil {
		if newBlob != "" {
			s.removeAvatar(newBlob)
		}
		return model.User{}, err
	}

	if staleBlob != "" {
		s.removeAvatar(staleBlob)
	}
	return updated, nil
}

func (s *Service) session(u model.User) (Session, error) {
	token, expires, err := s.tokens.Issue(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token, ExpiresAt: expires}, nil
}

// removeAvatar deletes an avatar blob without blocking the caller.
func (s *Service) removeAvatar(blobID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.avatars.Delete(ctx, blobID); err != nil {
			s.logger.Warn("user: avatar delete failed", zap.String("blob", blobID), zap.Error(err))
		}
	}()
}

// validateStruct runs the struct validator and reports the first failing
// field by its JSON name.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation(err.Error())
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validation(fe.Field() + " is required")
	case "email":
		return apperr.Validation(fe.Field() + " must be a valid email")
	case "min":
		return apperr.Validation(fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
	case "max":
		return apperr.Validation(fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
	case "nonul":
		return apperr.Validation(fe.Field() + " must not contain NUL characters")
	default:
		return apperr.Validation(fe.Field() + " is invalid")
	}
}
