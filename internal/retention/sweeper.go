// Package retention runs the two periodic housekeeping tasks spec.md §4.9
// names: hourly expired-token purge and hourly recent-activity trim.
// Failures are logged and retried on the next tick rather than crashing
// the process.
package retention

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/repository"
)

// TokenPurger is the subset of *token.Manager the sweeper depends on.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Sweeper schedules token purge and activity trim on independent cron
// entries, each on its own configured interval.
type Sweeper struct {
	db            *sql.DB
	tokens        TokenPurger
	purgeInterval time.Duration
	trimInterval  time.Duration
	retain        time.Duration

	cron *cron.Cron
}

func New(database *sql.DB, tokens TokenPurger, purgeInterval, trimInterval, retain time.Duration) *Sweeper {
	return &Sweeper{
		db:            database,
		tokens:        tokens,
		purgeInterval: purgeInterval,
		trimInterval:  trimInterval,
		retain:        retain,
	}
}

// Start schedules both tasks and runs them once immediately so a
// freshly-started process doesn't wait a full interval before its first
// sweep.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron = cron.New()

	s.cron.AddFunc("@every "+s.purgeInterval.String(), func() { s.purgeTokens(ctx) })
	s.cron.AddFunc("@every "+s.trimInterval.String(), func() { s.trimActivity(ctx) })
	s.cron.Start()

	s.purgeTokens(ctx)
	s.trimActivity(ctx)
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		c := s.cron.Stop()
		<-c.Done()
	}
}

func (s *Sweeper) purgeTokens(ctx context.Context) {
	deleted, err := s.tokens.PurgeExpiredTokens(ctx)
	if err != nil {
		logger.Retention().Error().Err(err).Msg("token purge failed, will retry next tick")
		return
	}
	if deleted > 0 {
		logger.Retention().Info().Int64("deleted", deleted).Msg("token purge complete")
	}
}

func (s *Sweeper) trimActivity(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retain)
	repo := repository.NewActivityRepository(s.db)
	deleted, err := repo.TrimRecentOlderThan(ctx, cutoff)
	if err != nil {
		logger.Retention().Error().Err(err).Msg("activity trim failed, will retry next tick")
		return
	}
	if deleted > 0 {
		logger.Retention().Info().Int64("deleted", deleted).Msg("recent activity trim complete")
	}
}
