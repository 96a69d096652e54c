package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	rt "zaplink.io/zap/common/retry"
	"zaplink.io/zap/config"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
)

func depRetryOpts(ctx context.Context) []rt.RetryOption {
	return []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
		rt.WithContext(ctx),
	}
}

// OpenArtifactStore connects to the configured artifact store backend.
// NOTE docker compose's depends_on only guarantees the startup order of containers rather than the readiness
// of the services in them, hence the dependency is pinged with retry before it is handed out
func OpenArtifactStore(ctx context.Context, cfg config.StoreConfig) (ArtifactStore, *pe.Err) {
	switch cfg.Backend {
	case cst.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPasswd,
			DB:         cfg.RedisDB,
			MaxRetries: 3,
		})
		pingFn := func() error {
			_, err := client.WithContext(ctx).Ping().Result()
			return err
		}
		if err := rt.Retry(pingFn, depRetryOpts(ctx)...); err != nil {
			client.Close()
			return nil, pe.NewServiceFailure("failed initializing Redis").WithCause(err)
		}
		return &RedisStore{DB: client}, nil
	case cst.StoreSQL:
		s, err := OpenSQLite(cfg.SQLDSN)
		if err != nil {
			return nil, pe.NewServiceFailure("failed initializing SQL database").WithCause(err)
		}
		return s, nil
	case cst.StoreCouch:
		var s *CouchStore
		openFn := func() error {
			var err error
			s, err = NewCouchStore(ctx, cfg.CouchURL, cfg.CouchDB)
			return err
		}
		if err := rt.Retry(openFn, depRetryOpts(ctx)...); err != nil {
			return nil, pe.NewServiceFailure("failed initializing CouchDB").WithCause(err)
		}
		return s, nil
	}
	return nil, pe.NewBadInput(fmt.Sprintf("unknown artifact store %q", cfg.Backend))
}

// OpenFileStore sets up the configured file store; stored files are capped at maxBytes
func OpenFileStore(cfg config.FileStoreConfig, maxBytes int64) (FileStore, *pe.Err) {
	switch cfg.Backend {
	case cst.FileStoreLocal:
		return &LocalFileStore{Root: cfg.Dir, MaxBytes: maxBytes}, nil
	case cst.FileStoreS3:
		return NewS3FileStore(cfg.S3, maxBytes), nil
	}
	return nil, pe.NewBadInput(fmt.Sprintf("unknown file store %q", cfg.Backend))
}

// NewAttemptTracker shares the Redis connection of a Redis artifact store so password attempts are counted
// across server replicas; other backends fall back to counting in process
func NewAttemptTracker(store ArtifactStore, limits config.Limits) AttemptTracker {
	if rs, ok := store.(*RedisStore); ok {
		return &RedisAttemptTracker{DB: rs.DB, Max: limits.PasswdAttemptsMax, Window: limits.PasswdAttemptsSpan}
	}
	return NewLocalAttemptTracker(attemptCacheSize, limits.PasswdAttemptsMax, limits.PasswdAttemptsSpan)
}

const attemptCacheSize = 8192
