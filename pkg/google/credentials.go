package google

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/internal/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/calendar/v3"
)

// expirySkew is how long before the real expiry a token is already treated
// as expired, so that a request started with it does not die mid-flight.
const expirySkew = 60 * time.Second

// Credentials keeps per-user Google OAuth tokens in the database and hands
// out access tokens that are guaranteed to be valid for at least expirySkew.
// Concurrent refreshes for the same user are collapsed into one.
type Credentials struct {
	db          *sql.DB
	oauthConfig *oauth2.Config
	clock       utils.Clock
	refreshing  singleflight.Group
}

func NewCredentials(db *sql.DB, cfg config.Application, clock utils.Clock) *Credentials {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.Google.ClientId,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.Host + "/api/integrations/google/auth/callback",
		Scopes:       []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope},
	}
	return &Credentials{db: db, oauthConfig: oauthConfig, clock: clock}
}

// Token returns a valid access token for the user, refreshing it if it is
// expired or about to expire. Returns ErrReauthRequired when there is no
// stored grant or the refresh token was revoked.
func (c *Credentials) Token(ctx context.Context, userId int) (*oauth2.Token, error) {
	token, err := c.storedToken(ctx, userId)
	if err != nil {
		return nil, err
	}
	if c.isFresh(token) {
		return token, nil
	}

	result, err, _ := c.refreshing.Do(fmt.Sprintf("%d", userId), func() (interface{}, error) {
		return c.refresh(ctx, userId)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauth2.Token), nil
}

func (c *Credentials) isFresh(token *oauth2.Token) bool {
	return token.AccessToken != "" && token.Expiry.After(c.clock.Now().Add(expirySkew))
}

func (c *Credentials) refresh(ctx context.Context, userId int) (*oauth2.Token, error) {
	// Another caller may have won the race before this flight started.
	stored, err := c.storedToken(ctx, userId)
	if err != nil {
		return nil, err
	}
	if c.isFresh(stored) {
		return stored, nil
	}
	if stored.RefreshToken == "" {
		return nil, ErrReauthRequired
	}

	log.Debugf("refreshing Google token for user %d", userId)
	refreshed, err := c.oauthConfig.TokenSource(ctx, stored).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			log.Warnf("Google grant for user %d was revoked, clearing credentials", userId)
			if _, err := c.db.ExecContext(ctx, "DELETE FROM google_auth WHERE user_id = ?", userId); err != nil {
				log.Errorf("failed to clear revoked Google credentials for user %d: %v", userId, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		if retrieveErr != nil && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 &&
			retrieveErr.Response.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, fmt.Errorf("%w: token refresh failed: %v", ErrTransient, err)
	}

	if err := c.store(ctx, userId, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (c *Credentials) storedToken(ctx context.Context, userId int) (*oauth2.Token, error) {
	var token oauth2.Token
	var expiry sql.NullInt64
	var accessToken, refreshToken sql.NullString
	err := c.db.QueryRowContext(ctx,
		"SELECT access_token, refresh_token, expiry FROM google_auth WHERE user_id = ?", userId).
		Scan(&accessToken, &refreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReauthRequired
	} else if err != nil {
		return nil, fmt.Errorf("unable to retrieve Google auth token: %w", err)
	}
	if !refreshToken.Valid || refreshToken.String == "" {
		// Row with only a nonce: the OAuth flow was started but never finished.
		return nil, ErrReauthRequired
	}

	token.AccessToken = accessToken.String
	token.RefreshToken = refreshToken.String
	token.Expiry = time.Unix(expiry.Int64, 0)
	return &token, nil
}

func (c *Credentials) store(ctx context.Context, userId int, token *oauth2.Token) error {
	refreshToken := token.RefreshToken
	_, err := c.db.ExecContext(ctx,
		"UPDATE google_auth SET access_token = ?, refresh_token = ?, expiry = ? WHERE user_id = ?",
		token.AccessToken, refreshToken, token.Expiry.Unix(), userId)
	if err != nil {
		return fmt.Errorf("unable to store refreshed Google token: %w", err)
	}
	return nil
}
