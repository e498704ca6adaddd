package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the token set. Implementations must tolerate concurrent
// managers only in the last-writer-wins sense; the Manager serializes its
// own calls.
type Store interface {
	Load(ctx context.Context) ([]Token, error)
	Save(ctx context.Context, tokens []Token) error
	Close() error
}

// FileStore keeps tokens in a single JSON file with owner-only permissions.
// Writes go through a temp file and rename, so a crash never leaves a
// half-written credential file behind.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory eagerly so the first Save
// cannot fail on a missing path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("oauth: file store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("oauth: create token dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context) ([]Token, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: read token file: %w", err)
	}
	var tokens []Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("oauth: parse token file: %w", err)
	}
	return tokens, nil
}

func (s *FileStore) Save(_ context.Context, tokens []Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("oauth: encode tokens: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("oauth: write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("oauth: replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
