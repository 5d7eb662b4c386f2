package profile

import (
	"context"
	"sync"
)

type ClientStub struct {
	mu            sync.RWMutex
	profiles      map[string]Profile
	getProfileErr error
	putProfileErr error
}

func NewClientStub() *ClientStub {
	return &ClientStub{
		profiles: make(map[string]Profile),
	}
}

func (c *ClientStub) GetProfile(ctx context.Context, uid string) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.getProfileErr != nil {
		return nil, c.getProfileErr
	}
	profile, ok := c.profiles[uid]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &profile, nil
}

func (c *ClientStub) PutProfile(ctx context.Context, uid string, profile Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.putProfileErr != nil {
		return c.putProfileErr
	}
	c.profiles[uid] = profile
	return nil
}

func (c *ClientStub) SetGetProfileError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getProfileErr = err
}

func (c *ClientStub) SetPutProfileError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putProfileErr = err
}
