package alipan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshMode selects where refresh tokens are exchanged.
type RefreshMode string

// Refresh modes.
const (
	// RefreshOnline exchanges tokens through a public helper service, for
	// users without their own OAuth application.
	RefreshOnline RefreshMode = "online"
	// RefreshLocal exchanges tokens directly with the OAuth endpoint using
	// the configured client credentials.
	RefreshLocal RefreshMode = "local"
)

// OnlineType selects the helper service's driver flavor.
type OnlineType string

// Online types.
const (
	OnlineDefault OnlineType = "default"
	OnlineTV      OnlineType = "alipanTV"
)

const refreshFlightKey = "refresh"

// refresher exchanges a refresh token for a new token pair.
type refresher interface {
	refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// tokenManager owns the credential pair. Concurrent refreshes collapse into
// one network exchange.
type tokenManager struct {
	mu       sync.Mutex
	token    *oauth2.Token
	flight   singleflight.Group
	source   refresher
	onChange func(*oauth2.Token)
	logger   *slog.Logger
}

func newTokenManager(tok *oauth2.Token, source refresher, onChange func(*oauth2.Token), logger *slog.Logger) *tokenManager {
	return &tokenManager{
		token:    tok,
		source:   source,
		onChange: onChange,
		logger:   logger,
	}
}

// current returns the held token pair.
func (m *tokenManager) current() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token
}

// accessToken returns a usable access token, refreshing first when none is
// held or the held one has expired.
func (m *tokenManager) accessToken(ctx context.Context) (string, error) {
	tok := m.current()
	if tok.Valid() {
		return tok.AccessToken, nil
	}

	return m.refresh(ctx, tok.AccessToken)
}

// refresh rotates the token pair. stale is the access token the caller saw
// rejected; if another caller has already replaced it, the replacement is
// returned without a network exchange. The exchange runs detached from ctx so
// one canceled caller does not fail the others waiting on it.
func (m *tokenManager) refresh(ctx context.Context, stale string) (string, error) {
	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		cur := m.current()
		if cur.Valid() && cur.AccessToken != stale {
			return cur.AccessToken, nil
		}

		m.logger.Debug("alipan: refreshing access token")

		next, err := m.source.refresh(context.WithoutCancel(ctx), cur.RefreshToken)
		if err != nil {
			m.logger.Warn("alipan: token refresh failed", slog.String("error", err.Error()))

			return nil, err
		}

		m.mu.Lock()
		m.token = next
		m.mu.Unlock()

		m.logger.Info("alipan: access token refreshed",
			slog.Time("expiry", next.Expiry),
		)

		if m.onChange != nil {
			m.onChange(next)
		}

		return next.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

// tokenResponse covers both refresh endpoints.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	Text         string `json:"text"`
}

func (r *tokenResponse) oauth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}

	if r.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}

	return tok
}

// onlineRefresher uses the public renewal helper.
type onlineRefresher struct {
	endpoint   string
	onlineType OnlineType
	httpClient *http.Client
}

func (o *onlineRefresher) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	driver := "alicloud_qr"
	if o.onlineType == OnlineTV {
		driver = "alicloud_tv"
	}

	q := url.Values{}
	q.Set("refresh_ui", refreshToken)
	q.Set("server_use", "true")
	q.Set("driver_txt", driver)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("alipan: creating refresh request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	var out tokenResponse
	if err := doTokenRequest(o.httpClient, req, &out); err != nil {
		return nil, err
	}

	if out.AccessToken == "" || out.RefreshToken == "" {
		if out.Text != "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingToken, out.Text)
		}

		return nil, ErrMissingToken
	}

	return out.oauth2Token(), nil
}

// localRefresher talks to the OAuth endpoint with client credentials.
type localRefresher struct {
	apiURL       string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

type localRefreshRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

func (l *localRefresher) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(localRefreshRequest{
		ClientID:     l.clientID,
		ClientSecret: l.clientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("alipan: encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiURL+"/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("alipan: creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	var out tokenResponse
	if err := doTokenRequest(l.httpClient, req, &out); err != nil {
		return nil, err
	}

	if out.Code != "" {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			Endpoint:   "oauth/access_token",
			Code:       out.Code,
			Message:    out.Message,
			Err:        ErrUnauthorized,
		}
	}

	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, ErrMissingToken
	}

	if err := sameSubject(refreshToken, out.RefreshToken); err != nil {
		return nil, err
	}

	return out.oauth2Token(), nil
}

// doTokenRequest sends req and decodes a JSON token body. Non-2xx statuses
// are errors.
func doTokenRequest(client *http.Client, req *http.Request, out *tokenResponse) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("alipan: refresh request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("alipan: reading refresh response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   "token refresh",
			Message:    string(bytes.TrimSpace(data)),
			Err:        classifyStatus(resp.StatusCode),
		}

		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && env.Code != "" {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}

		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("alipan: decoding refresh response: %w", err)
	}

	return nil
}

// tokenSubject extracts the sub claim without verifying the signature; the
// token is only compared with another token from the same issuer. An alg the
// jwt package does not know is fine: claims are decoded before that check.
func tokenSubject(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil &&
		!errors.Is(err, jwt.ErrTokenUnverifiable) {
		return "", fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: no subject", ErrMalformedToken)
	}

	return sub, nil
}

// sameSubject fails unless both refresh tokens name the same account.
func sameSubject(oldToken, newToken string) error {
	oldSub, err := tokenSubject(oldToken)
	if err != nil {
		return err
	}

	newSub, err := tokenSubject(newToken)
	if err != nil {
		return err
	}

	if oldSub != newSub {
		return fmt.Errorf("%w: %q != %q", ErrTokenSubjectMismatch, oldSub, newSub)
	}

	return nil
}
