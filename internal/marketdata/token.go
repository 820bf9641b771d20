package marketdata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
)

type TokenSource interface {
	AccessToken() (string, error)
}

// StaticToken always returns itself.
type StaticToken string

func (t StaticToken) AccessToken() (string, error) {
	if t == "" {
		return "", ErrToken
	}
	return string(t), nil
}

const accessTokenKey = "access_token"

// FileTokenStore reads the bearer token from a JSON file written by the
// trading application: {"token": {"access_token": "..."}}.
type FileTokenStore struct {
	path   string
	tokens *cache.TTLCache[string, string]
}

func NewFileTokenStore(path string, ttl time.Duration, opts ...cache.Option) *FileTokenStore {
	return &FileTokenStore{
		path:   path,
		tokens: cache.New[string, string](ttl, opts...),
	}
}

func (s *FileTokenStore) AccessToken() (string, error) {
	if token, ok := s.tokens.Get(accessTokenKey); ok {
		return token, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToken, err)
	}

	var doc struct {
		Token struct {
			AccessToken string `json:"access_token"`
		} `json:"token"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToken, s.path, err)
	}
	if doc.Token.AccessToken == "" {
		return "", fmt.Errorf("%w: %s has no access_token", ErrToken, s.path)
	}

	s.tokens.Put(accessTokenKey, doc.Token.AccessToken)
	return doc.Token.AccessToken, nil
}
