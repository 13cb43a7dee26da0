package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/query"
	"shopcore/backend/internal/store"
)

const lockKey = "housekeeping:stale-products"

type Archiver interface {
	ArchiveWhere(ctx context.Context, entity query.Entity, filter store.Filter, actorID string) (domain.ArchiveResult, error)
}

// Job archives products that have been out of stock and untouched for longer
// than the staleness window.
type Job struct {
	archiver  Archiver
	products  query.Entity
	locker    cache.Locker
	staleness time.Duration
	timeout   time.Duration
	now       func() time.Time

	cron *cron.Cron
}

func New(archiver Archiver, products query.Entity, locker cache.Locker, staleness time.Duration) *Job {
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	if staleness <= 0 {
		staleness = 30 * 24 * time.Hour
	}
	return &Job{
		archiver:  archiver,
		products:  products,
		locker:    locker,
		staleness: staleness,
		timeout:   10 * time.Minute,
		now:       store.Now,
	}
}

// Run performs one sweep. It returns a zero result without error when another
// sweep holds the lock.
func (j *Job) Run(ctx context.Context) (domain.ArchiveResult, error) {
	release, ok, err := j.locker.TryLock(ctx, lockKey, j.timeout)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("%w: housekeeping lock: %v", store.ErrUpstream, err)
	}
	if !ok {
		log.Printf("[housekeeping] sweep already running, skipping")
		return domain.ArchiveResult{}, nil
	}
	defer release()

	cutoff := j.now().Add(-j.staleness)
	filter := store.Match(
		store.Eq("quantity", 0),
		store.Where("updatedAt", store.OpLt, store.FormatTime(cutoff)),
	)
	result, err := j.archiver.ArchiveWhere(ctx, j.products, filter, domain.RoleSystem)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	log.Printf("[housekeeping] archived %d stale products (cutoff=%s)", result.Count, store.FormatTime(cutoff))
	return result, nil
}

// Start schedules Run on spec, a standard five-field cron expression.
func (j *Job) Start(spec string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if _, err := j.Run(ctx); err != nil {
			log.Printf("[housekeeping] WARN: sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("%w: housekeeping schedule %q: %v", store.ErrValidation, spec, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop cancels future runs and waits for a running sweep to finish.
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
