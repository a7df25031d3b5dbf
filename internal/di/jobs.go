package di

import (
	"fmt"

	"github.com/aristath/folio/internal/config"
	"github.com/aristath/folio/internal/scheduler"
	"github.com/rs/zerolog"
)

// Maintenance schedules (seconds-precision cron)
const (
	checkDatabasesSchedule = "0 0 * * * *"   // hourly
	walCheckpointSchedule  = "0 */5 * * * *" // every 5 minutes
)

// RegisterJobs creates the scheduler and registers the broadcast tick, the
// registry sweep and database maintenance
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.Hub.TickSpec(), scheduler.NewBroadcastJob(container.Broadcaster, log)},
		{cfg.Hub.SweepSchedule, scheduler.NewSweepJob(container.Registry, log)},
		{checkDatabasesSchedule, scheduler.NewCheckDatabasesJob(container.Databases(), log)},
		{walCheckpointSchedule, scheduler.NewWALCheckpointJob(container.Databases(), log)},
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return nil, fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	return sched, nil
}
