// Package oauth holds the concrete social login providers behind
// service.IdentityProvider.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shop-api/config"
	"shop-api/internal/apperr"
	"shop-api/internal/service"
	"shop-api/internal/util"

	"go.uber.org/zap"
)

const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	maxResponseBytes = 1 << 20
)

// ErrExchangeFailed is returned when Google rejects the authorization code.
var ErrExchangeFailed = apperr.New(apperr.KindAuth, "oauth_failed", "authorization code exchange failed")

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type googleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

// Google exchanges authorization codes from the Google consent screen.
type Google struct {
	clientID     string
	clientSecret string
	redirectURL  string
	tokenURL     string
	userInfoURL  string
	http         *http.Client
	logger       *zap.Logger
}

type Option func(*Google)

// WithEndpoints points the provider at another host, for tests.
func WithEndpoints(tokenURL, userInfoURL string) Option {
	return func(g *Google) {
		g.tokenURL = tokenURL
		g.userInfoURL = userInfoURL
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Google) { g.logger = l }
}

func NewGoogle(cfg config.OAuthConfig, opts ...Option) *Google {
	g := &Google{
		clientID:     cfg.GoogleClientID,
		clientSecret: cfg.GoogleClientSecret,
		redirectURL:  cfg.GoogleRedirectURL,
		tokenURL:     googleTokenURL,
		userInfoURL:  googleUserInfoURL,
		http:         &http.Client{Timeout: cfg.Timeout},
		logger:       util.GetLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Exchange trades code for an access token and loads the account behind it.
func (g *Google) Exchange(ctx context.Context, code string) (*service.ExternalIdentity, error) {
	ctx, span := util.StartSpan(ctx, "Google.Exchange")
	defer span.End()

	token, err := g.token(ctx, code)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	user, err := g.userInfo(ctx, token)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !user.VerifiedEmail {
		return nil, ErrExchangeFailed.With("google account email %s is not verified", user.Email)
	}

	return &service.ExternalIdentity{
		Email:      user.Email,
		Name:       user.Name,
		ExternalID: user.ID,
	}, nil
}

func (g *Google) token(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"redirect_uri":  {g.redirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tok tokenResponse
	status, err := g.do(req, &tok)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest || tok.AccessToken == "" {
		g.logger.Warn("Google rejected authorization code",
			zap.Int("status", status),
			zap.String("error", tok.Error),
			zap.String("description", tok.ErrorDescription))
		return "", ErrExchangeFailed
	}
	return tok.AccessToken, nil
}

func (g *Google) userInfo(ctx context.Context, accessToken string) (*googleUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var user googleUser
	status, err := g.do(req, &user)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, ErrExchangeFailed.With("google userinfo returned %d", status)
	}
	return &user, nil
}

// do sends req and decodes a JSON body into out. Transport failures and 5xx
// answers are gateway errors; 4xx answers are left to the caller.
func (g *Google) do(req *http.Request, out any) (int, error) {
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, apperr.Gateway("identity provider unavailable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, apperr.Gateway("failed to read identity provider response", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, apperr.Gateway(fmt.Sprintf("identity provider returned %d", resp.StatusCode), nil)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < http.StatusBadRequest {
			return 0, apperr.Gateway("identity provider returned an unreadable response", err)
		}
	}
	return resp.StatusCode, nil
}
