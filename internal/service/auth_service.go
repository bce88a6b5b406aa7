package service

import (
	"context"
	"strings"

	"shop-api/internal/apperr"
	"shop-api/internal/auth"
	"shop-api/internal/models"
	"shop-api/internal/util"

	"go.uber.org/zap"
)

const minPasswordLength = 8

var ErrInvalidCredentials = apperr.New(apperr.KindAuth, "invalid_credentials", "invalid email or password")

// AuthService registers and authenticates users and hands out tokens.
type AuthService struct {
	users     UserRepository
	tokens    *auth.TokenService
	providers map[string]IdentityProvider
	logger    *zap.Logger
}

func NewAuthService(users UserRepository, tokens *auth.TokenService, providers map[string]IdentityProvider) *AuthService {
	if providers == nil {
		providers = map[string]IdentityProvider{}
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		providers: providers,
		logger:    util.GetLogger(),
	}
}

type RegisterInput struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name" binding:"required"`
	Phone    string `json:"phone"`
}

type LoginInput struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResult is the token response served by every login flow.
type AuthResult struct {
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresIn int64        `json:"expires_in"`
	User      *models.User `json:"user,omitempty"`
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Register")
	defer span.End()

	email := normalizeEmail(input.Email)
	if email == "" || strings.TrimSpace(input.Username) == "" {
		return nil, apperr.Validation("username and email are required")
	}
	if len(input.Password) < minPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLength)
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     strings.TrimSpace(input.Username),
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(input.FullName),
		Phone:        strings.TrimSpace(input.Phone),
		Role:         models.RoleUser,
		IsActive:     true,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("User registered", zap.Int64("user_id", user.ID))
	return s.issue(user)
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Login")
	defer span.End()

	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(input.Email))
	if apperr.KindOf(err) == apperr.KindNotFound {
		util.AuthFailuresTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, input.Password) {
		util.AuthFailuresTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		util.AuthFailuresTotal.WithLabelValues("inactive").Inc()
		return nil, apperr.Forbidden("account is disabled")
	}

	return s.issue(user)
}

// SocialLogin signs in through an external identity provider, creating the
// account on first use. An email already registered for password login is
// never linked silently.
func (s *AuthService) SocialLogin(ctx context.Context, provider, code string) (*AuthResult, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.SocialLogin")
	defer span.End()

	idp, ok := s.providers[provider]
	if !ok {
		return nil, apperr.NotFound("unknown identity provider %q", provider)
	}
	if code == "" {
		return nil, apperr.Validation("authorization code is required")
	}

	ext, err := idp.Exchange(ctx, code)
	if err != nil {
		util.AuthFailuresTotal.WithLabelValues("oauth_exchange").Inc()
		util.RecordError(span, err)
		return nil, err
	}
	if ext.ExternalID == "" || ext.Email == "" {
		return nil, apperr.Validation("identity provider returned an incomplete profile")
	}

	user, err := s.users.GetUserByOAuth(ctx, provider, ext.ExternalID)
	switch {
	case err == nil:
	case apperr.KindOf(err) == apperr.KindNotFound:
		user, err = s.linkOrCreate(ctx, provider, ext)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if !user.IsActive {
		return nil, apperr.Forbidden("account is disabled")
	}
	return s.issue(user)
}

func (s *AuthService) linkOrCreate(ctx context.Context, provider string, ext *ExternalIdentity) (*models.User, error) {
	email := normalizeEmail(ext.Email)

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		if !existing.OAuthProvider.Valid || existing.OAuthProvider.String != provider {
			return nil, apperr.ErrProviderMismatch.With("email %s is already registered with another login method", email)
		}
		return existing, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	random, err := auth.RandomPassword()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(random)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     provider + "_" + ext.ExternalID,
		Email:        email,
		PasswordHash: hash,
		FullName:     ext.Name,
		Role:         models.RoleUser,
		IsActive:     true,
	}
	user.OAuthProvider.String, user.OAuthProvider.Valid = provider, true
	user.OAuthID.String, user.OAuthID.Valid = ext.ExternalID, true

	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("User created from social login",
		zap.Int64("user_id", user.ID), zap.String("provider", provider))
	return user, nil
}

func (s *AuthService) Me(ctx context.Context, userID int64) (*models.User, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Me")
	defer span.End()
	return s.users.GetUserByID(ctx, userID)
}

// Refresh exchanges a valid token for a new one.
func (s *AuthService) Refresh(ctx context.Context, token string) (*AuthResult, error) {
	_, span := util.StartSpan(ctx, "AuthService.Refresh")
	defer span.End()

	fresh, err := s.tokens.Refresh(token)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &AuthResult{
		Token:     fresh,
		TokenType: "Bearer",
		ExpiresIn: int64(s.tokens.ExpiresIn().Seconds()),
	}, nil
}

func (s *AuthService) issue(user *models.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(s.tokens.ExpiresIn().Seconds()),
		User:      user,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
