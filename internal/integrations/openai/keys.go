package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"goal-clarifier/internal/integrations/paramstore"
)

// KeySource resolves the API key used for every request.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is an API key supplied directly, e.g. from the environment.
type StaticKey string

func (k StaticKey) APIKey(_ context.Context) (string, error) {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return "", errors.New("openai: API token is empty")
	}
	return key, nil
}

// Getter is satisfied by *paramstore.Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStoreKey fetches the key from SSM and reuses it for the lifetime of
// the process. Failed fetches are not cached; the next call retries.
type ParamStoreKey struct {
	getter Getter
	name   string

	mu     sync.Mutex
	apiKey string
}

// NewParamStoreKey reads the token stored at <paramPrefix>/open-ai-token.
func NewParamStoreKey(getter Getter, paramPrefix string) (*ParamStoreKey, error) {
	if getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return &ParamStoreKey{getter: getter, name: paramPrefix + "/open-ai-token"}, nil
}

func (p *ParamStoreKey) APIKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.apiKey != "" {
		return p.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, p.getter, p.name)
	if err != nil {
		return "", err
	}
	p.apiKey = key
	return key, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if errors.Is(err, paramstore.ErrParameterNotFound) {
		return "", fmt.Errorf("openai: token parameter %s does not exist, store {\"token\":\"...\"} there or set OPENAI_API_KEY: %w", name, err)
	}
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
