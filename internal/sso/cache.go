package sso

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/ums-client/internal/models"
)

// KeyRedirectInfo is the state key holding the discovered redirects.
const KeyRedirectInfo = "sso_redirect_info"

// KV is the persistence the cache needs.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// Cache persists the redirect infos of the current session.
type Cache struct {
	kv KV
}

// NewCache returns a cache backed by kv.
func NewCache(kv KV) *Cache {
	return &Cache{kv: kv}
}

// Save replaces the cached redirect infos.
func (c *Cache) Save(infos []models.SsoRedirectInfo) error {
	if infos == nil {
		infos = []models.SsoRedirectInfo{}
	}

	data, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("encoding sso redirect info: %w", err)
	}

	if err := c.kv.Set(KeyRedirectInfo, string(data)); err != nil {
		return fmt.Errorf("saving sso redirect info: %w", err)
	}

	return nil
}

// Load returns the cached redirect infos, or nil when discovery has not
// run for this session.
func (c *Cache) Load() ([]models.SsoRedirectInfo, error) {
	raw, ok, err := c.kv.Get(KeyRedirectInfo)
	if err != nil {
		return nil, fmt.Errorf("loading sso redirect info: %w", err)
	}

	if !ok || raw == "" {
		return nil, nil
	}

	var infos []models.SsoRedirectInfo
	if err := json.Unmarshal([]byte(raw), &infos); err != nil {
		return nil, fmt.Errorf("decoding sso redirect info: %w", err)
	}

	return infos, nil
}

// Find returns the cached redirect for clientID.
func (c *Cache) Find(clientID string) (*models.SsoRedirectInfo, bool, error) {
	infos, err := c.Load()
	if err != nil {
		return nil, false, err
	}

	for i := range infos {
		if infos[i].Service.ClientID == clientID {
			return &infos[i], true, nil
		}
	}

	return nil, false, nil
}

// Clear removes the cached redirect infos.
func (c *Cache) Clear() error {
	if err := c.kv.Delete(KeyRedirectInfo); err != nil {
		return fmt.Errorf("clearing sso redirect info: %w", err)
	}

	return nil
}
