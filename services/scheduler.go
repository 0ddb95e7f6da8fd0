// services/scheduler.go
package services

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"tournament-engine/metrics"
	"tournament-engine/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultTaskListLimit = 20
	maxTaskListLimit     = 100
)

type SchedulerConfig struct {
	SweepInterval          time.Duration
	SweepBatchSize         int
	SweepMaxProcessingTime time.Duration
	CleanupInterval        time.Duration
	QueueEntryTTL          time.Duration
}

type SweepResult struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"task_id,omitempty"`
	ProcessedCount int    `json:"processed_count"`
	MatchedCount   int    `json:"matched_count"`
	StartedCount   int    `json:"started_count"`
	ErrorCount     int    `json:"error_count"`
	ProcessingTime int64  `json:"processing_time"` // ms
}

type CleanupResult struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"task_id,omitempty"`
	CleanedCount   int    `json:"cleaned_count"`
	ExpiredMatches int    `json:"expired_matches"`
	ProcessingTime int64  `json:"processing_time"` // ms
}

type TaskStats struct {
	WindowSeconds       int64   `json:"window_seconds"`
	Total               int     `json:"total"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	Running             int     `json:"running"`
	SuccessRate         float64 `json:"success_rate"`
	AverageProcessingMs float64 `json:"average_processing_ms"`
}

// SchedulerService runs the matching sweep and queue cleanup on a timer and
// records every run as a MatchingTask.
type SchedulerService struct {
	store       Store
	matchmaking *MatchmakingService
	lifecycle   *LifecycleController
	cfg         SchedulerConfig
	metrics     *metrics.Collection
	now         Clock

	idMu    sync.Mutex
	entropy io.Reader

	sched gocron.Scheduler
}

func NewSchedulerService(store Store, matchmaking *MatchmakingService, lifecycle *LifecycleController, cfg SchedulerConfig, m *metrics.Collection, now Clock) *SchedulerService {
	if now == nil {
		now = time.Now
	}
	return &SchedulerService{
		store:       store,
		matchmaking: matchmaking,
		lifecycle:   lifecycle,
		cfg:         cfg,
		metrics:     m,
		now:         now,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *SchedulerService) newTaskID(at time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func (s *SchedulerService) beginTask(ctx context.Context, taskType string, batchSize int) (*models.MatchingTask, error) {
	now := s.now()
	task := &models.MatchingTask{
		ID:        s.newTaskID(now),
		TaskType:  taskType,
		Status:    models.TaskRunning,
		BatchSize: batchSize,
		StartedAt: now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, eris.Wrapf(err, "failed to record %s task", taskType)
	}
	return task, nil
}

func (s *SchedulerService) endTask(ctx context.Context, task *models.MatchingTask, elapsed time.Duration, runErr error) {
	now := s.now()
	task.ProcessingTimeMs = elapsed.Milliseconds()
	if runErr != nil {
		task.Status = models.TaskFailed
		task.FailedAt = &now
		task.Error = runErr.Error()
	} else {
		task.Status = models.TaskCompleted
		task.CompletedAt = &now
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logrus.WithError(err).WithField("task_id", task.ID).Error("[Scheduler] failed to update task record")
	}
}

// RunMatchingSweep places up to batchSize waiting entries within the time
// budget, then applies time-based starts to pending matches. A non-positive
// batch size is a successful no-op.
func (s *SchedulerService) RunMatchingSweep(ctx context.Context, batchSize int, maxProcessingTime time.Duration) (*SweepResult, error) {
	if batchSize <= 0 {
		return &SweepResult{Success: true}, nil
	}
	started := time.Now()
	task, err := s.beginTask(ctx, models.TaskTypeMatching, batchSize)
	if err != nil {
		return &SweepResult{Success: false}, err
	}
	result := &SweepResult{TaskID: task.ID}

	entries, err := s.store.ListWaitingEntries(ctx, batchSize)
	if err != nil {
		elapsed := time.Since(started)
		result.ProcessingTime = elapsed.Milliseconds()
		s.endTask(ctx, task, elapsed, err)
		logrus.WithError(err).Error("[Scheduler] matching sweep failed")
		return result, err
	}

	var deadline time.Time
	if maxProcessingTime > 0 {
		deadline = started.Add(maxProcessingTime)
	}
	for _, entry := range entries {
		if ctx.Err() != nil || (!deadline.IsZero() && time.Now().After(deadline)) {
			logrus.WithField("remaining", len(entries)-result.ProcessedCount).Warn("[Scheduler] sweep budget exhausted")
			break
		}
		result.ProcessedCount++
		res, err := s.matchmaking.EvaluateEntry(ctx, entry)
		if err != nil {
			result.ErrorCount++
			logrus.WithError(err).WithField("queue_id", entry.ID).Debug("[Scheduler] entry not placed")
			continue
		}
		if res.MatchID != "" {
			result.MatchedCount++
		}
		if res.Started {
			result.StartedCount++
		}
	}

	timeStarts, timeErrs := s.lifecycle.EvaluatePendingMatches(ctx)
	result.StartedCount += timeStarts
	result.ErrorCount += timeErrs

	elapsed := time.Since(started)
	result.ProcessingTime = elapsed.Milliseconds()
	result.Success = true
	task.ProcessedCount = result.ProcessedCount
	task.MatchedCount = result.MatchedCount
	task.StartedCount = result.StartedCount
	task.ErrorCount = result.ErrorCount
	s.endTask(ctx, task, elapsed, nil)
	s.metrics.Sweep(elapsed, len(entries))

	logrus.WithFields(logrus.Fields{
		"processed": result.ProcessedCount,
		"matched":   result.MatchedCount,
		"started":   result.StartedCount,
		"errors":    result.ErrorCount,
		"ms":        result.ProcessingTime,
	}).Info("[Scheduler] matching sweep done")
	return result, nil
}

// RunCleanup expires waiting entries older than the queue TTL and pending
// matches that never filled.
func (s *SchedulerService) RunCleanup(ctx context.Context) (*CleanupResult, error) {
	started := time.Now()
	task, err := s.beginTask(ctx, models.TaskTypeCleanup, 0)
	if err != nil {
		return &CleanupResult{Success: false}, err
	}
	result := &CleanupResult{TaskID: task.ID}

	fail := func(err error) (*CleanupResult, error) {
		elapsed := time.Since(started)
		result.ProcessingTime = elapsed.Milliseconds()
		task.CleanedCount = result.CleanedCount
		s.endTask(ctx, task, elapsed, err)
		logrus.WithError(err).Error("[Scheduler] cleanup failed")
		return result, err
	}

	now := s.now()
	stale, err := s.store.ListWaitingBefore(ctx, now.Add(-s.cfg.QueueEntryTTL))
	if err != nil {
		return fail(err)
	}
	for i := range stale {
		entry := stale[i]
		err := s.store.WithinTx(ctx, func(tx Store) error {
			entry.Status = models.QueueExpired
			entry.ClosedAt = &now
			if err := tx.UpdateEntry(ctx, &entry); err != nil {
				return err
			}
			return tx.RecordEvent(ctx, &models.MatchEvent{
				ID:           uuid.NewString(),
				TournamentID: entry.TournamentID,
				PlayerID:     entry.PlayerID,
				EventType:    models.EventPlayerExpired,
				Data:         eventData(map[string]interface{}{"queue_id": entry.ID, "waited_seconds": int64(now.Sub(entry.JoinedAt).Seconds())}),
				CreatedAt:    now,
			})
		})
		if err != nil {
			logrus.WithError(err).WithField("queue_id", entry.ID).Warn("[Scheduler] failed to expire queue entry")
			continue
		}
		result.CleanedCount++
	}

	expired, err := s.lifecycle.ExpireStaleMatches(ctx, s.cfg.QueueEntryTTL)
	if err != nil {
		return fail(err)
	}
	result.ExpiredMatches = expired

	elapsed := time.Since(started)
	result.ProcessingTime = elapsed.Milliseconds()
	result.Success = true
	task.CleanedCount = result.CleanedCount + result.ExpiredMatches
	s.endTask(ctx, task, elapsed, nil)
	logrus.WithFields(logrus.Fields{
		"cleaned": result.CleanedCount,
		"expired": result.ExpiredMatches,
	}).Info("[Scheduler] cleanup done")
	return result, nil
}

func (s *SchedulerService) GetRecentTasks(ctx context.Context, taskType string, limit int) ([]models.MatchingTask, error) {
	return s.store.ListRecentTasks(ctx, taskType, clampLimit(limit, defaultTaskListLimit, maxTaskListLimit))
}

// GetTaskStats aggregates task records started within the trailing window.
func (s *SchedulerService) GetTaskStats(ctx context.Context, window time.Duration) (*TaskStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	tasks, err := s.store.ListTasksSince(ctx, s.now().Add(-window))
	if err != nil {
		return nil, err
	}
	stats := &TaskStats{WindowSeconds: int64(window.Seconds()), Total: len(tasks)}
	var durations []float64
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			stats.Completed++
			durations = append(durations, float64(t.ProcessingTimeMs))
		case models.TaskFailed:
			stats.Failed++
		case models.TaskRunning:
			stats.Running++
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished) * 100
	}
	if len(durations) > 0 {
		stats.AverageProcessingMs = stat.Mean(durations, nil)
	}
	return stats, nil
}

// Start registers the sweep and cleanup jobs. Each job never overlaps itself.
func (s *SchedulerService) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return eris.Wrap(err, "failed to create scheduler")
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepMaxProcessingTime+time.Minute)
			defer cancel()
			if _, err := s.RunMatchingSweep(ctx, s.cfg.SweepBatchSize, s.cfg.SweepMaxProcessingTime); err != nil {
				logrus.WithError(err).Error("[Scheduler] sweep job error")
			}
		}),
		gocron.WithName("matching-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return eris.Wrap(err, "failed to register sweep job")
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.CleanupInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := s.RunCleanup(ctx); err != nil {
				logrus.WithError(err).Error("[Scheduler] cleanup job error")
			}
		}),
		gocron.WithName("queue-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return eris.Wrap(err, "failed to register cleanup job")
	}

	sched.Start()
	s.sched = sched
	logrus.WithFields(logrus.Fields{
		"sweep_interval":   s.cfg.SweepInterval.String(),
		"cleanup_interval": s.cfg.CleanupInterval.String(),
	}).Info("[Scheduler] started")
	return nil
}

func (s *SchedulerService) Shutdown() {
	if s.sched == nil {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		logrus.WithError(err).Warn("[Scheduler] shutdown error")
	}
}
