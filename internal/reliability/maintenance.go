package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/pipeline"
	"github.com/hyperasset/hyperasset/internal/vectorstore"
)

// RetentionJob prunes event rows past the retention horizon, purges the
// daily_news vector collection at the market-day boundary, and checkpoints
// the WAL. Runs nightly.
type RetentionJob struct {
	repo          *pipeline.Repository
	vectors       *vectorstore.Store
	databases     map[string]*database.DB
	retentionDays int
	log           zerolog.Logger
}

// NewRetentionJob creates the nightly cleanup job.
func NewRetentionJob(repo *pipeline.Repository, vectors *vectorstore.Store,
	databases map[string]*database.DB, retentionDays int, log zerolog.Logger) *RetentionJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &RetentionJob{
		repo:          repo,
		vectors:       vectors,
		databases:     databases,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "retention").Logger(),
	}
}

// Name implements the scheduler Job interface.
func (j *RetentionJob) Name() string { return "retention_cleanup" }

// Run executes one cleanup pass.
func (j *RetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)

	pruned, err := j.repo.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention prune: %w", err)
	}
	total := int64(0)
	for _, n := range pruned {
		total += n
	}

	purged, err := j.vectors.PurgeCollection(ctx, vectorstore.CollectionDailyNews)
	if err != nil {
		j.log.Error().Err(err).Msg("daily_news purge failed")
	}

	for name, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	j.log.Info().
		Int64("rows_pruned", total).
		Int64("vectors_purged", purged).
		Str("cutoff", cutoff.Format("2006-01-02")).
		Dur("elapsed", time.Since(start)).
		Msg("retention cleanup complete")
	return nil
}
