// Package sweeper purges zaps which expired or used up their views. Periodic sweeps and request
// triggered lazy deletion share one idempotent destroy path.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"zaplink.io/zap/common/logging"
	rt "zaplink.io/zap/common/retry"
	"zaplink.io/zap/config"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/metrics"
	md "zaplink.io/zap/models"
	st "zaplink.io/zap/stores"
)

type Sweeper struct {
	Store   st.ArtifactStore
	Files   st.FileStore
	Metrics metrics.Metrics
	// Now is the clock used to decide what is junk
	Now func() time.Time

	cfg      config.SweeperConfig
	wipCache gcache.Cache
	queue    chan string
}

func New(store st.ArtifactStore, files st.FileStore, cfg config.SweeperConfig, m metrics.Metrics) *Sweeper {
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.WIPCacheSize <= 0 {
		cfg.WIPCacheSize = 1
	}
	var queue chan string
	if cfg.QueueLength > 0 {
		queue = make(chan string, cfg.QueueLength)
	}
	return &Sweeper{
		Store:    store,
		Files:    files,
		Metrics:  m,
		Now:      time.Now,
		cfg:      cfg,
		wipCache: gcache.New(cfg.WIPCacheSize).LRU().Build(),
		queue:    queue,
	}
}

// Run drains the lazy deletion queue and, if enabled, sweeps the store once every configured period.
// It returns after ctx is done and in-flight purges finish.
func (s *Sweeper) Run(ctx context.Context) {
	clog := logging.WithFuncName()
	var wg sync.WaitGroup
	if s.queue != nil {
		wg.Add(s.cfg.PoolSize)
		for i := 0; i < s.cfg.PoolSize; i++ {
			go func() {
				defer wg.Done()
				s.drain(ctx)
			}()
		}
	}
	defer wg.Wait()
	if !s.cfg.Enabled {
		clog.Info("periodic sweeping disabled; serving lazy deletion only")
		<-ctx.Done()
		return
	}
	tkr := time.NewTicker(s.cfg.Frequency)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				// the store may come back before next tick; junk simply waits till then
				clog.WithError(err).Error("error sweeping junk zaps")
				continue
			}
			clog.WithField("count", n).Debug("sweep done")
		case <-ctx.Done():
			clog.Info("sweeper stopping")
			return
		}
	}
}

func (s *Sweeper) drain(ctx context.Context) {
	for {
		select {
		case shortID := <-s.queue:
			if err := s.destroyByID(ctx, shortID, metrics.TriggerLazy); err != nil {
				logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).WithError(err).
					Warn("error purging zap lazily; the next sweep picks it up")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep loads junk zaps from the store and purges them with a bounded pool of workers. Failures of one
// zap are logged and do not affect the others. It returns the count of zaps purged.
func (s *Sweeper) Sweep(ctx context.Context) (int, *pe.Err) {
	clog := logging.WithFuncName()
	jks, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	clog.WithField("count", len(jks)).Debug("junk zaps loaded")
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		purged int
	)
	quotas := make(chan struct{}, s.cfg.PoolSize)
	wg.Add(len(jks))
	for _, jk := range jks {
		go func(jk *md.Junk) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			if err := s.purge(ctx, jk, metrics.TriggerSweep); err != nil {
				clog.WithError(err).WithField(cst.LogFieldShortID, jk.ShortID).Error("error purging junk zap")
				return
			}
			mu.Lock()
			purged++
			mu.Unlock()
		}(jk)
	}
	wg.Wait()
	s.Metrics.IncSweep()
	return purged, nil
}

// load returns the junk zaps which are not being purged already
func (s *Sweeper) load(ctx context.Context) ([]*md.Junk, *pe.Err) {
	clog := logging.WithFuncName()
	jks, err := s.Store.Junk(ctx, s.Now(), s.cfg.MaxLoad)
	if err != nil {
		clog.WithError(err).Error("error loading junk zaps from store")
		return nil, err
	}
	newJks := []*md.Junk{}
	for _, jk := range jks {
		if _, err := s.wipCache.Get(jk.ShortID); err != gcache.KeyNotFoundError {
			if err != nil {
				clog.WithError(err).Error("error looking up wip cache")
			}
			continue
		}
		// best effort; a zap we fail to mark may get purged twice, which is harmless
		if err := s.wipCache.SetWithExpire(jk.ShortID, struct{}{}, s.cfg.WIPEntryExpiry); err != nil {
			clog.WithError(err).WithField(cst.LogFieldShortID, jk.ShortID).Warn("error marking zap in wip cache")
		}
		newJks = append(newJks, jk)
	}
	return newJks, nil
}

// Schedule queues the zap for lazy deletion without blocking. A full or absent queue drops the request;
// the periodic sweep is the safety net.
func (s *Sweeper) Schedule(shortID string) {
	select {
	case s.queue <- shortID:
	default:
		logging.WithFuncName().WithField(cst.LogFieldShortID, shortID).Debug("lazy deletion queue full; dropping")
	}
}

// Destroy purges the zap and its content. A zap which is already gone counts as purged.
func (s *Sweeper) Destroy(ctx context.Context, shortID string) *pe.Err {
	return s.destroyByID(ctx, shortID, metrics.TriggerDelete)
}

func (s *Sweeper) destroyByID(ctx context.Context, shortID, trigger string) *pe.Err {
	a, err := s.Store.Get(ctx, shortID)
	if err != nil {
		if err.Code == pe.ErrCodeNotFound {
			return nil
		}
		return err
	}
	return s.purge(ctx, &md.Junk{ShortID: a.ShortID, ContentRef: a.ContentRef}, trigger)
}

// purge removes the content first and then the record, so that a failure in between leaves a record
// the next sweep finds again instead of orphaned content.
func (s *Sweeper) purge(ctx context.Context, jk *md.Junk, trigger string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldShortID, jk.ShortID)
	if jk.ContentRef != "" {
		deleteFn := func() error {
			if err := s.Files.Delete(ctx, jk.ContentRef); err != nil {
				return err
			}
			return nil
		}
		err := rt.Retry(deleteFn,
			rt.WithMaxAttempts(3),
			rt.WithBaseDelay(100*time.Millisecond),
			rt.WithExp(2.0),
			rt.WithJitter(0.1),
			rt.WithContext(ctx),
			rt.WithRetryOn(func(err error) bool { return pe.Is(err, pe.ErrCodeStorageUnavailable) }),
		)
		if err != nil {
			clog.WithError(err).WithField("ref", jk.ContentRef).Error("error deleting zap content")
			s.Metrics.IncPurgeFailure()
			if perr, ok := err.(*pe.Err); ok {
				return perr
			}
			return pe.NewStorageUnavailable("error deleting zap content").WithCause(err)
		}
	}
	if err := s.Store.Delete(ctx, jk.ShortID); err != nil {
		clog.WithError(err).Error("error deleting zap record")
		s.Metrics.IncPurgeFailure()
		return err
	}
	s.wipCache.Remove(jk.ShortID)
	s.Metrics.IncPurged(trigger)
	clog.WithField("trigger", trigger).Debug("zap purged")
	return nil
}
