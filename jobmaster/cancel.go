package jobmaster

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanfei1991/jobcoord/model"
)

const maxConcurrentCancels = 16

// cancelTasks signals the executors of records to cancel, without waiting
// for the signals to be delivered.
func (jm *JobMaster) cancelTasks(records []*model.TaskExecutionRecord) {
	if len(records) == 0 {
		return
	}

	started := jm.goBackground(func(ctx context.Context) {
		var g errgroup.Group
		g.SetLimit(maxConcurrentCancels)
		for _, record := range records {
			record := record
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(ctx, jm.timeouts.TaskCancelTimeout)
				defer cancel()

				if err := jm.canceller.CancelTask(cctx, record.TaskID, record.AttemptID); err != nil {
					// The executor will find out by itself once it fails
					// to report to this job master.
					jm.metrics.taskCancelFailures.Inc()
					log.L().Warn("failed to signal task cancellation",
						zap.String("job-id", string(jm.jobID)),
						zap.String("task-id", string(record.TaskID)),
						zap.Stringer("attempt-id", record.AttemptID),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	})
	if !started {
		log.L().Warn("job master is closed, task cancellation skipped",
			zap.String("job-id", string(jm.jobID)),
			zap.Int("tasks", len(records)))
	}
}
