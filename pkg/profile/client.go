package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/pkg/google"
	"github.com/meetsync/meetsync/pkg/user"
	log "github.com/sirupsen/logrus"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile is the per-user record kept in the remote record store.
type Profile struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoUrl    string `json:"photoUrl"`
	Timezone    string `json:"timezone"`
}

type Client interface {
	GetProfile(ctx context.Context, uid string) (*Profile, error)
	PutProfile(ctx context.Context, uid string, profile Profile) error
}

type ClientImpl struct {
	baseURL     string
	credentials *google.Credentials
	httpClient  *http.Client
}

func NewClient(cfg config.RecordStore, credentials *google.Credentials) *ClientImpl {
	return &ClientImpl{
		baseURL:     cfg.BaseURL,
		credentials: credentials,
		httpClient:  http.DefaultClient,
	}
}

func (c *ClientImpl) GetProfile(ctx context.Context, uid string) (*Profile, error) {
	req, err := c.newRequest(ctx, "GET", uid, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Errorf("Failed to execute request: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProfileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("record store returned non-OK status: %d", resp.StatusCode)
		log.Error(err)
		return nil, err
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		log.Errorf("Failed to decode response: %v", err)
		return nil, err
	}
	return &profile, nil
}

func (c *ClientImpl) PutProfile(ctx context.Context, uid string, profile Profile) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("unable to marshal profile: %w", err)
	}

	req, err := c.newRequest(ctx, "PUT", uid, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Errorf("Failed to execute request: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		err := fmt.Errorf("record store returned non-OK status: %d", resp.StatusCode)
		log.Error(err)
		return err
	}
	return nil
}

func (c *ClientImpl) newRequest(ctx context.Context, method, uid string, body *bytes.Reader) (*http.Request, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	token, err := c.credentials.Token(ctx, userId)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/profiles/%s", c.baseURL, uid)
	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		log.Errorf("Failed to create request: %v", err)
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return req, nil
}
