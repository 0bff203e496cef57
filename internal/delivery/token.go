package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"bindery/internal/fileutil"
)

// LoadToken reads a token stored by SaveToken. A missing file returns nil
// without error.
func LoadToken(path string) (*oauth2.Token, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, nil
	}
	return &tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if tok == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	return fileutil.WriteJSONAtomic(path, tok, 0o600)
}

// persistingSource writes every newly issued token to the token file.
type persistingSource struct {
	base oauth2.TokenSource
	path string
	// onSaveError is called when the token cannot be written; the token is
	// still returned.
	onSaveError func(error)

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	if err := SaveToken(p.path, tok); err != nil && p.onSaveError != nil {
		p.onSaveError(err)
	}
	p.last = tok.AccessToken
	return tok, nil
}
