// Package activity buffers per-request accounting (spec.md §4.8): a
// durable historical row is inserted synchronously on every request, while
// per-device aggregates and "recent, noteworthy" events accumulate in
// memory until a size or time threshold triggers a bulk flush. A
// size-triggered flush runs inline, inside the Record call that filled the
// buffer.
package activity

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/repository"
)

var significantPrefixes = []string{"/auth/", "/network/", "/system/"}

func isSignificant(endpoint string) bool {
	for _, p := range significantPrefixes {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

type deviceAggregate struct {
	requests     int64
	errors       int64
	endpoints    map[string]struct{}
	lastActivity time.Time
}

// Recorder accumulates activity and flushes it to the database on a
// schedule.
type Recorder struct {
	db *sql.DB

	bufferSize    int
	flushInterval time.Duration

	mu        sync.Mutex
	recent    []repository.Activity
	aggregate map[string]*deviceAggregate

	cron *cron.Cron
}

func New(database *sql.DB, bufferSize int, flushInterval time.Duration) *Recorder {
	return &Recorder{
		db:            database,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		aggregate:     make(map[string]*deviceAggregate),
	}
}

// Start schedules the interval-based flush. Size-based flushes happen
// inline from Record and need no scheduler.
func (r *Recorder) Start() {
	r.cron = cron.New()
	spec := "@every " + r.flushInterval.String()
	r.cron.AddFunc(spec, func() {
		if err := r.Flush(context.Background()); err != nil {
			logger.Activity().Error().Err(err).Msg("scheduled activity flush failed")
		}
	})
	r.cron.Start()
}

// Stop halts the scheduler and flushes any remaining buffered activity.
func (r *Recorder) Stop(ctx context.Context) {
	if r.cron != nil {
		c := r.cron.Stop()
		<-c.Done()
	}
	if err := r.Flush(ctx); err != nil {
		logger.Activity().Error().Err(err).Msg("final activity flush failed")
	}
}

// Record is called after every authorized request. deviceID is the
// identity already resolved by the auth gate (from the cached claim or a
// token lookup); the recorder never re-derives it.
func (r *Recorder) Record(ctx context.Context, deviceID, endpoint string, statusCode int) error {
	now := time.Now().UTC()

	historicalRepo := repository.NewActivityRepository(r.db)
	if err := historicalRepo.Create(ctx, deviceID, endpoint, statusCode, repository.ActivityHistorical); err != nil {
		return err
	}

	r.mu.Lock()
	agg, ok := r.aggregate[deviceID]
	if !ok {
		agg = &deviceAggregate{endpoints: make(map[string]struct{})}
		r.aggregate[deviceID] = agg
	}
	agg.requests++
	if statusCode >= 400 {
		agg.errors++
	}
	agg.endpoints[endpoint] = struct{}{}
	agg.lastActivity = now

	if statusCode >= 400 || isSignificant(endpoint) {
		r.recent = append(r.recent, repository.Activity{
			DeviceID:   deviceID,
			Endpoint:   endpoint,
			StatusCode: statusCode,
			CreatedAt:  now,
		})
	}
	shouldFlush := len(r.recent) >= r.bufferSize
	r.mu.Unlock()

	if shouldFlush {
		if err := r.Flush(ctx); err != nil {
			logger.Activity().Error().Err(err).Msg("size-triggered activity flush failed")
		}
	}
	return nil
}

// Flush writes the recent-events buffer and per-device aggregates in a
// single transaction, then clears the in-memory structures. On failure the
// buffers are left intact so the next flush attempt retries the same data.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.recent) == 0 && len(r.aggregate) == 0 {
		r.mu.Unlock()
		return nil
	}
	recentCopy := make([]repository.Activity, len(r.recent))
	copy(recentCopy, r.recent)
	aggCopy := make(map[string]*deviceAggregate, len(r.aggregate))
	for k, v := range r.aggregate {
		endpoints := make(map[string]struct{}, len(v.endpoints))
		for e := range v.endpoints {
			endpoints[e] = struct{}{}
		}
		aggCopy[k] = &deviceAggregate{requests: v.requests, errors: v.errors, endpoints: endpoints, lastActivity: v.lastActivity}
	}
	r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	activityRepo := repository.NewActivityRepository(tx)
	if err := activityRepo.BulkCreate(ctx, recentCopy, repository.ActivityRecent); err != nil {
		return err
	}

	statsRepo := repository.NewStatsRepository(tx)
	for deviceID, agg := range aggCopy {
		if err := statsRepo.Update(ctx, deviceID, agg.requests, agg.errors, int64(len(agg.endpoints))); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.mu.Lock()
	// Drop exactly the flushed events, not whatever accumulated since the
	// snapshot above (a Record call can land between the snapshot and the
	// commit).
	r.recent = r.recent[len(recentCopy):]
	for deviceID, flushed := range aggCopy {
		current, ok := r.aggregate[deviceID]
		if !ok {
			continue
		}
		current.requests -= flushed.requests
		current.errors -= flushed.errors
		if current.requests <= 0 && current.errors <= 0 && current.lastActivity.Equal(flushed.lastActivity) {
			delete(r.aggregate, deviceID)
		}
	}
	r.mu.Unlock()

	logger.Activity().Debug().Int("events", len(recentCopy)).Int("devices", len(aggCopy)).Msg("flushed activity buffer")
	return nil
}
