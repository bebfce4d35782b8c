// Package credential supplies the bearer token used for every backend call.
package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

var ErrNoCredential = errors.New("no credential available")

// Source returns the current bearer token, or ErrNoCredential while logged out.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// StaticSource holds a token set by the host app after login.
type StaticSource struct {
	mu    sync.RWMutex
	token string
}

func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: strings.TrimSpace(token)}
}

func (s *StaticSource) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

func (s *StaticSource) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// FileSource reads the token from a file written by the auth layer.
type FileSource struct {
	path   string
	logger zerolog.Logger
}

func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{path: strings.TrimSpace(path), logger: logger}
}

func (s *FileSource) Token(_ context.Context) (string, error) {
	if s.path == "" {
		return "", ErrNoCredential
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Watch calls onChange whenever the token file is written, replaced or
// removed, until ctx is done. The parent directory is watched so atomic
// renames are seen.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				s.logger.Debug().Str("op", event.Op.String()).Msg("credential file changed")
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("credential watcher error")
			}
		}
	}()
	return nil
}

// UserID extracts the user id from the token claims without verifying the
// signature; the backend verifies it.
func UserID(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	for _, key := range []string{"userId", "sub"} {
		if value, ok := claims[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return "", errors.New("token has no user id claim")
}
