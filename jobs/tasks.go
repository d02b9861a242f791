package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileScan runs the balance audit across active tenants.
	TaskReconcileScan = "audit:reconcile_scan"
	// TaskFXRefresh refreshes exchange rates from the external feed.
	TaskFXRefresh = "fx:refresh_rates"
	// TaskBatchResume resumes batch runs stranded mid-processing.
	TaskBatchResume = "batch:resume_stalled"
)

// NewReconcileScanTask constructs the periodic audit task.
func NewReconcileScanTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileScan, nil)
}

// NewFXRefreshTask constructs the rate refresh task.
func NewFXRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskFXRefresh, nil)
}

// NewBatchResumeTask constructs the stalled-run recovery task.
func NewBatchResumeTask() *asynq.Task {
	return asynq.NewTask(TaskBatchResume, nil)
}
