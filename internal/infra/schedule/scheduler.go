package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job — периодическая задача зачистки.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler владеет периодическими задачами процесса. Запуск и
// остановка явные: таймеры не живут в глобальном состоянии.
type Scheduler struct {
	log  zerolog.Logger
	jobs []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler создаёт планировщик.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Every регистрирует задачу. Регистрация после Start игнорируется.
func (s *Scheduler) Every(name string, interval time.Duration, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn().Str("job", name).Msg("schedule: регистрация после запуска игнорируется")
		return
	}
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Start запускает все задачи. Паника внутри задачи логируется и не
// останавливает таймер.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runJob(job)
				}
			}
		}()
	}
	s.log.Info().Int("jobs", len(s.jobs)).Msg("schedule: планировщик запущен")
}

func (s *Scheduler) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", job.Name).Interface("panic", r).Msg("schedule: задача упала")
		}
	}()
	job.Run()
}

// Stop останавливает таймеры и дожидается завершения задач.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
