package google

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/internal/test_utils"
	"github.com/meetsync/meetsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func credentialsForTest(t *testing.T, tokenURL string, clock utils.Clock) (*Credentials, *sql.DB, int) {
	t.Helper()
	db := test_utils.SetupTestDB(t)

	res, err := db.Exec("INSERT INTO users (uid) VALUES (?)", "test-user")
	require.NoError(t, err)
	userId, err := res.LastInsertId()
	require.NoError(t, err)

	creds := NewCredentials(db, config.Application{
		Host: "http://localhost:8080",
		Google: config.Google{
			ClientId:     "client-id",
			ClientSecret: "client-secret",
		},
	}, clock)
	if tokenURL != "" {
		creds.oauthConfig.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	}
	return creds, db, int(userId)
}

func storeToken(t *testing.T, db *sql.DB, userId int, accessToken, refreshToken string, expiry time.Time) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO google_auth (user_id, nonce, access_token, refresh_token, expiry) VALUES (?, ?, ?, ?, ?)",
		userId, "nonce", accessToken, refreshToken, expiry.Unix())
	require.NoError(t, err)
}

func TestToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	t.Run("no stored grant requires authentication", func(t *testing.T) {
		creds, _, userId := credentialsForTest(t, "", &utils.MockClock{FixedNow: now})
		_, err := creds.Token(ctx, userId)
		assert.ErrorIs(t, err, ErrReauthRequired)
	})

	t.Run("row without a finished OAuth flow requires authentication", func(t *testing.T) {
		creds, db, userId := credentialsForTest(t, "", &utils.MockClock{FixedNow: now})
		_, err := db.Exec("INSERT INTO google_auth (user_id, nonce) VALUES (?, ?)", userId, "nonce")
		require.NoError(t, err)

		_, err = creds.Token(ctx, userId)
		assert.ErrorIs(t, err, ErrReauthRequired)
	})

	t.Run("token valid beyond the skew is returned as is", func(t *testing.T) {
		creds, db, userId := credentialsForTest(t, "", &utils.MockClock{FixedNow: now})
		storeToken(t, db, userId, "access", "refresh", now.Add(10*time.Minute))

		token, err := creds.Token(ctx, userId)
		require.NoError(t, err)
		assert.Equal(t, "access", token.AccessToken)
	})

	t.Run("token expiring within the skew is refreshed and stored", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`))
		}))
		defer server.Close()

		creds, db, userId := credentialsForTest(t, server.URL, &utils.MockClock{FixedNow: now})
		storeToken(t, db, userId, "stale-access", "refresh", now.Add(30*time.Second))

		token, err := creds.Token(ctx, userId)
		require.NoError(t, err)
		assert.Equal(t, "fresh-access", token.AccessToken)

		var storedAccess string
		err = db.QueryRow("SELECT access_token FROM google_auth WHERE user_id = ?", userId).Scan(&storedAccess)
		require.NoError(t, err)
		assert.Equal(t, "fresh-access", storedAccess)
	})

	t.Run("revoked grant clears credentials and requires authentication", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer server.Close()

		creds, db, userId := credentialsForTest(t, server.URL, &utils.MockClock{FixedNow: now})
		storeToken(t, db, userId, "stale-access", "refresh", now.Add(-time.Minute))

		_, err := creds.Token(ctx, userId)
		assert.ErrorIs(t, err, ErrReauthRequired)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(1) FROM google_auth WHERE user_id = ?", userId).Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("server failure during refresh is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		creds, db, userId := credentialsForTest(t, server.URL, &utils.MockClock{FixedNow: now})
		storeToken(t, db, userId, "stale-access", "refresh", now.Add(-time.Minute))

		_, err := creds.Token(ctx, userId)
		assert.ErrorIs(t, err, ErrTransient)
	})

	t.Run("concurrent refreshes collapse into a single request", func(t *testing.T) {
		var requests atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			time.Sleep(20 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`))
		}))
		defer server.Close()

		creds, db, userId := credentialsForTest(t, server.URL, &utils.MockClock{FixedNow: now})
		storeToken(t, db, userId, "stale-access", "refresh", now.Add(-time.Minute))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := creds.Token(ctx, userId)
				assert.NoError(t, err)
				assert.Equal(t, "fresh-access", token.AccessToken)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), requests.Load())
	})
}
