package bgtask

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// BgTaskManager manages background periodical tasks.
// Includes:
// - Sweep idle trace states
type BgTaskManager struct {
	bgTasks []BgTask
	cron    *cron.Cron
}

type BgTask interface {
	// Spec is the cron schedule, e.g. "@every 30s"
	Spec() string
	cron.Job
}

func NewBgTaskManager() *BgTaskManager {
	return &BgTaskManager{
		bgTasks: make([]BgTask, 0),
		cron:    cron.New(),
	}
}

func (m *BgTaskManager) Add(task BgTask) {
	m.bgTasks = append(m.bgTasks, task)
}

// StartAll schedules every task; tasks with a bad schedule are skipped.
func (m *BgTaskManager) StartAll() int {
	n := 0
	for _, task := range m.bgTasks {
		if _, err := m.cron.AddJob(task.Spec(), task); err != nil {
			logrus.WithError(err).Warnf("runspan couldn't schedule task %q", task.Spec())
			continue
		}
		n++
	}
	m.cron.Start()
	return n
}

// StopAll stops scheduling and waits for running tasks, or for ctx.
func (m *BgTaskManager) StopAll(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}
