package store

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Dir        string
	SQLitePath string
	Redis      RedisOptions
	Mongo      MongoOptions
}

// Open builds the backend named in opts and wraps it with Instrument.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)

	switch opts.Backend {
	case "", "memory":
		s = NewMemoryStore()
	case "file":
		s, err = NewFileStore(opts.Dir)
	case "sqlite":
		s, err = NewSQLiteStore(opts.SQLitePath)
	case "redis":
		s, err = DialRedis(ctx, opts.Redis)
	case "mongo":
		s, err = DialMongo(ctx, opts.Mongo)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Backend, err)
	}
	return Instrument(s), nil
}
