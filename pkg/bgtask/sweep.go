package bgtask

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper drops trace states idle for too long and reports how many.
type Sweeper interface {
	Sweep() int
}

// SweepTask evicts idle trace states between span events, so a trace whose
// root never ends does not wait for the next new trace to be swept.
type SweepTask struct {
	sweeper  Sweeper
	interval time.Duration
	swept    atomic.Int64
}

func NewSweepTask(sweeper Sweeper, interval time.Duration) *SweepTask {
	return &SweepTask{sweeper: sweeper, interval: interval}
}

// AddSweepTask registers a sweep of s every interval; a non-positive interval
// disables it.
func (m *BgTaskManager) AddSweepTask(s Sweeper, interval time.Duration) *SweepTask {
	if interval <= 0 {
		logrus.Info("background sweep disabled")
		return nil
	}
	t := NewSweepTask(s, interval)
	m.Add(t)
	return t
}

func (t *SweepTask) Spec() string {
	return fmt.Sprintf("@every %s", t.interval)
}

func (t *SweepTask) Run() {
	n := t.sweeper.Sweep()
	t.swept.Add(int64(n))
	if n > 0 {
		logrus.Debugf("sweep task evicted %d trace states", n)
	}
}

// Swept is the total number of states evicted by this task.
func (t *SweepTask) Swept() int64 {
	return t.swept.Load()
}
