package tasks

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/effective-security/x/guid"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

// TimeUnit specifies the time unit: 'minutes', 'hours'...
type TimeUnit uint

// TimeNow is a function that returns the current time
var TimeNow = time.Now

const (
	// Never specifies the time unit to never run a task
	Never TimeUnit = iota
	// Seconds specifies the time unit in seconds
	Seconds
	// Minutes specifies the time unit in minutes
	Minutes
	// Hours specifies the time unit in hours
	Hours
)

// Task defines a schedulable unit of work.
type Task interface {
	// ID returns the id of the task
	ID() string
	// Name returns a name of the task
	Name() string
	// RunCount species the number of times the task executed
	RunCount() uint32
	// Schedule returns the task schedule
	Schedule() *Schedule
	// ShouldRun returns true if the task should be run now
	ShouldRun() bool
	// Run will try to run the task, if it's not already running
	// and immediately reschedule it after run
	Run() bool
	// SetNextRun updates next schedule time
	SetNextRun(time.Duration) Task
	// Do sets the function that is called every time the task runs
	Do(taskName string, fn func()) Task
	// IsRunning return the status
	IsRunning() bool
}

// Schedule defines the task interval.
type Schedule struct {
	// Interval * unit between runs
	Interval uint64
	// Unit specifies time units, e.g. 'minutes', 'hours'...
	Unit TimeUnit
	// LastRunAt specifies datetime of last run
	LastRunAt *time.Time
	// NextRunAt specifies datetime of next run
	NextRunAt time.Time
	// RunCount specifies the number of runs
	RunCount uint32
	// cache the period between last an next run
	period time.Duration
}

// GetLastRun returns the last run time
func (s *Schedule) GetLastRun() *time.Time {
	if s.LastRunAt == nil || s.RunCount == 0 {
		return nil
	}
	return s.LastRunAt
}

// ShouldRun returns true if the task should be run now
func (s *Schedule) ShouldRun() bool {
	return TimeNow().After(s.NextRunAt)
}

// UpdateNextRun computes the instant when this task should run next
func (s *Schedule) UpdateNextRun() time.Time {
	now := TimeNow()
	if s.LastRunAt == nil {
		s.LastRunAt = &now
	}
	s.NextRunAt = s.LastRunAt.Add(s.Duration())
	return s.NextRunAt
}

// Duration returns interval between runs
func (s *Schedule) Duration() time.Duration {
	if s.period == 0 {
		switch s.Unit {
		case Seconds:
			s.period = time.Duration(s.Interval) * time.Second
		case Minutes:
			s.period = time.Duration(s.Interval) * time.Minute
		case Hours:
			s.period = time.Duration(s.Interval) * time.Hour
		}
	}
	return s.period
}

type task struct {
	id       string
	schedule *Schedule
	name     string
	fn       func()

	runLock chan struct{}
	running bool
	// timeout interval to schedule a run
	runTimeout time.Duration
}

// DefaultRunTimeoutInterval specify a timeout for a task to start
const DefaultRunTimeoutInterval = time.Second

// NewTaskAtIntervals creates a new task with the time interval.
func NewTaskAtIntervals(interval uint64, unit TimeUnit, ops ...Option) Task {
	s := &Schedule{
		Interval:  interval,
		Unit:      unit,
		NextRunAt: time.Unix(0, 0),
	}
	return New(s, ops...)
}

// New returns new task
func New(s *Schedule, ops ...Option) Task {
	dops := options{
		runTimeout: DefaultRunTimeoutInterval,
	}
	for _, op := range ops {
		op.apply(&dops)
	}

	return &task{
		id:         values.StringsCoalesce(dops.id, guid.MustCreate()),
		schedule:   s,
		runLock:    make(chan struct{}, 1),
		runTimeout: dops.runTimeout,
	}
}

// ID returns a id of the task
func (j *task) ID() string {
	return j.id
}

// Name returns a name of the task
func (j *task) Name() string {
	return j.name
}

// Schedule returns the task schedule
func (j *task) Schedule() *Schedule {
	return j.schedule
}

// RunCount species the number of times the task executed
func (j *task) RunCount() uint32 {
	return atomic.LoadUint32(&j.schedule.RunCount)
}

// ShouldRun returns true if the task should be run now
func (j *task) ShouldRun() bool {
	return !j.running && j.schedule.ShouldRun()
}

// IsRunning return the status
func (j *task) IsRunning() bool {
	return j.running
}

// SetNextRun updates next schedule time
func (j *task) SetNextRun(after time.Duration) Task {
	j.schedule.NextRunAt = TimeNow().Add(after)
	return j
}

// Do sets the function that is called every time the task runs
func (j *task) Do(taskName string, fn func()) Task {
	j.name = fmt.Sprintf("%s@%s", taskName, filepath.Base(functionName(fn)))
	j.fn = fn

	// schedule the next run
	j.schedule.UpdateNextRun()

	return j
}

func functionName(fn func()) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

// Run will try to run the task, if it's not already running
// and immediately reschedule it after run
func (j *task) Run() bool {
	timeout := j.runTimeout
	if timeout == 0 {
		timeout = DefaultRunTimeoutInterval
	}

	timer := time.NewTimer(timeout)
	select {
	case j.runLock <- struct{}{}:
		timer.Stop()
		now := TimeNow()
		j.schedule.LastRunAt = &now
		j.running = true
		count := atomic.AddUint32(&j.schedule.RunCount, 1)

		logger.KV(xlog.DEBUG,
			"status", "running",
			"run_count", count,
			"started_at", j.schedule.LastRunAt,
			"task", j.Name())

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.KV(xlog.ERROR,
						"reason", "panic",
						"task", j.Name(),
						"err", r,
						"stack", string(debug.Stack()))
				}
			}()
			j.fn()
		}()

		j.running = false
		j.schedule.UpdateNextRun()

		<-j.runLock
		return true
	case <-timer.C:
	}

	logger.KV(xlog.DEBUG,
		"status", "already_running",
		"run_count", j.schedule.RunCount,
		"started_at", j.schedule.LastRunAt,
		"task", j.Name())

	return false
}
