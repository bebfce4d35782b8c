package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Scheme identifies a storage backend selected by DSN.
type Scheme string

const (
	SchemeFile     Scheme = "file"
	SchemeMemory   Scheme = "memory"
	SchemeSQLite   Scheme = "sqlite"
	SchemePostgres Scheme = "postgres"
)

// Target is a parsed backend DSN.
type Target struct {
	Scheme Scheme
	Raw    string
	Path   string
}

// ParseDSN accepts bare paths (treated as files) and scheme-qualified DSNs.
func ParseDSN(dsn string) (Target, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Target{}, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return Target{}, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return Target{}, pathErr
		}
		return Target{Scheme: SchemeFile, Raw: dsn, Path: path}, nil
	case "memory", "mem", "inmem":
		return Target{Scheme: SchemeMemory, Raw: dsn}, nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return Target{}, pathErr
		}
		return Target{Scheme: SchemeSQLite, Raw: dsn, Path: path}, nil
	case "postgres", "postgresql":
		return Target{Scheme: SchemePostgres, Raw: dsn}, nil
	case "redis", "rediss", "mysql":
		return Target{}, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return Target{}, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		// file://data/queue.json is a relative path, not a host.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
