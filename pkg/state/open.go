package state

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendSinger   = "singer"
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of the Backend* names (default BackendSinger).
	Backend string

	// StatePath is the Singer state file. The singer backend reads it and
	// never writes it; the file backend reads and rewrites it.
	StatePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	SQLitePath string

	PostgresDSN string
}

// Open builds the configured backend. The singer backend only seeds the run
// from the state file; checkpoints reach downstream as STATE messages, which
// the caller attaches with Tee.
func Open(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", BackendSinger:
		return ReadOnly(NewFileStore(opts.StatePath)), nil
	case BackendFile:
		if strings.TrimSpace(opts.StatePath) == "" {
			return nil, fmt.Errorf("state backend %s requires a state path", backend)
		}
		return NewFileStore(opts.StatePath), nil
	case BackendMemory:
		return NewMemoryStore(nil), nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("state backend %s requires redis_addr", backend)
		}
		return OpenRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisKey)
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case BackendPostgres, "postgresql":
		return NewPostgresStore(opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", opts.Backend)
	}
}
