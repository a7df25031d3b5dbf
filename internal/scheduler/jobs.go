package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/modules/hub"
	"github.com/rs/zerolog"
)

// Ticker performs one broadcast pass
type Ticker interface {
	Tick(ctx context.Context) hub.TickReport
}

// Sweeper reclaims empty channels
type Sweeper interface {
	Sweep() int
}

// BroadcastJob drives one broadcast tick per run
type BroadcastJob struct {
	ticker Ticker
	log    zerolog.Logger
}

// NewBroadcastJob creates a new BroadcastJob
func NewBroadcastJob(ticker Ticker, log zerolog.Logger) *BroadcastJob {
	return &BroadcastJob{
		ticker: ticker,
		log:    log.With().Str("job", "broadcast_tick").Logger(),
	}
}

// Name returns the job name
func (j *BroadcastJob) Name() string {
	return "broadcast_tick"
}

// Run executes one tick. Failures inside a tick are contained by the
// broadcaster and never fail the job.
func (j *BroadcastJob) Run(ctx context.Context) error {
	report := j.ticker.Tick(ctx)
	if report.FetchFailures > 0 || report.SendFailures > 0 {
		j.log.Debug().
			Int("fetch_failures", report.FetchFailures).
			Int("send_failures", report.SendFailures).
			Msg("Tick finished with failures")
	}
	return nil
}

// SweepJob reclaims channels that have no subscribers left
type SweepJob struct {
	sweeper Sweeper
	log     zerolog.Logger
}

// NewSweepJob creates a new SweepJob
func NewSweepJob(sweeper Sweeper, log zerolog.Logger) *SweepJob {
	return &SweepJob{
		sweeper: sweeper,
		log:     log.With().Str("job", "registry_sweep").Logger(),
	}
}

// Name returns the job name
func (j *SweepJob) Name() string {
	return "registry_sweep"
}

// Run executes the sweep
func (j *SweepJob) Run(_ context.Context) error {
	if removed := j.sweeper.Sweep(); removed > 0 {
		j.log.Debug().Int("removed", removed).Msg("Reclaimed empty channels")
	}
	return nil
}

// CheckDatabasesJob verifies integrity of the SQLite databases
type CheckDatabasesJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewCheckDatabasesJob creates a new CheckDatabasesJob. Nil databases are skipped.
func NewCheckDatabasesJob(databases map[string]*database.DB, log zerolog.Logger) *CheckDatabasesJob {
	return &CheckDatabasesJob{
		databases: databases,
		log:       log.With().Str("job", "check_databases").Logger(),
	}
}

// Name returns the job name
func (j *CheckDatabasesJob) Name() string {
	return "check_databases"
}

// Run executes the integrity check
func (j *CheckDatabasesJob) Run(ctx context.Context) error {
	for _, name := range sortedNames(j.databases) {
		db := j.databases[name]
		if db == nil {
			j.log.Warn().Str("database", name).Msg("Database not initialized, skipping")
			continue
		}

		if err := db.HealthCheck(ctx); err != nil {
			// Corruption cannot be repaired automatically
			j.log.Error().
				Err(err).
				Str("database", name).
				Msg("Database integrity check failed")
			return fmt.Errorf("database %s failed its health check: %w", name, err)
		}

		j.log.Debug().Str("database", name).Msg("Database integrity OK")
	}

	return nil
}

// WALCheckpointJob runs passive WAL checkpoints and reports WAL growth
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates a new WALCheckpointJob. Nil databases are skipped.
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes the checkpoint. Per-database failures are logged, not returned.
func (j *WALCheckpointJob) Run(ctx context.Context) error {
	checked := 0
	for _, name := range sortedNames(j.databases) {
		db := j.databases[name]
		if db == nil {
			continue
		}

		// busy, log frames, checkpointed frames
		var busy, frames, checkpointed int
		err := db.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", name).
				Msg("Failed to checkpoint WAL")
			continue
		}

		if frames > 1000 {
			j.log.Warn().
				Str("database", name).
				Int("wal_frames", frames).
				Int("checkpointed", checkpointed).
				Msg("WAL file is large")
		}
		checked++
	}

	j.log.Debug().Int("checked", checked).Msg("WAL checkpoint completed")
	return nil
}

func sortedNames(databases map[string]*database.DB) []string {
	names := make([]string, 0, len(databases))
	for name := range databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
