package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"xolo/internal/logger"
	"xolo/internal/models"
)

// Actor identifies who asked for an operation, recorded in change log entries.
type Actor struct {
	Admin string
	Host  string
}

func (a Actor) owner(operation string) LockOwner {
	return LockOwner{Admin: a.Admin, Operation: operation}
}

func (a Actor) entry(version, message string) models.ChangeLogEntry {
	return models.ChangeLogEntry{
		Time:    time.Now().UTC(),
		Admin:   a.Admin,
		Host:    a.Host,
		Version: version,
		Message: message,
	}
}

/**
 * One operation running in the background
 * @description
 * - Progress goes to the job's stream, the final error to Wait
 * - The lease is released before the stream is terminated, so once a
 *   client sees the sentinel the object is unlocked
 */
type Job struct {
	ID      string
	Name    string
	Admin   string
	Started time.Time

	stream *Stream
	done   chan struct{}
	err    error
}

// StreamURLPath is the path a client tails for progress.
func (j *Job) StreamURLPath() string {
	return j.stream.URLPath()
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finished and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// JobFunc is the body of a background operation.
type JobFunc func(ctx context.Context, rep Reporter) error

/**
 * Runs lifecycle operations on worker goroutines
 */
type JobRunner struct {
	streams *StreamManager
	alerts  Alerter

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]*Job
}

func NewJobRunner(streams *StreamManager, alerts Alerter) *JobRunner {
	if alerts == nil {
		alerts = nopAlerter{}
	}
	return &JobRunner{
		streams: streams,
		alerts:  alerts,
		ctx:     context.Background(),
		running: make(map[string]*Job),
	}
}

/**
 * Start an operation in the background
 * @param {string} name - Operation description, used in logs and alerts
 * @param {Actor} actor - Requesting admin
 * @param {*Lease} lease - Locks held for the operation, released when it ends
 * @param {JobFunc} fn - Operation body
 * @returns {*Job} Running job
 * @description
 * - The lease is released even when the stream can't be created or fn panics
 * - fn's error is written as the last ERROR line(s) before the sentinel
 */
func (r *JobRunner) Start(name string, actor Actor, lease *Lease, fn JobFunc) (*Job, error) {
	stream, err := r.streams.Start()
	if err != nil {
		lease.Release()
		return nil, err
	}
	job := &Job{
		ID:      stream.ID,
		Name:    name,
		Admin:   actor.Admin,
		Started: time.Now(),
		stream:  stream,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.running[job.ID] = job
	r.mu.Unlock()
	activeJobs.Inc()
	r.wg.Add(1)

	logger.Infof("Admin '%s' started '%s' (stream %s)", actor.Admin, name, job.ID)
	go r.run(job, lease, fn)
	return job, nil
}

func (r *JobRunner) run(job *Job, lease *Lease, fn JobFunc) {
	defer r.wg.Done()

	err := r.call(job, fn)
	lease.Release()

	if err != nil {
		logger.Errorf("'%s' by '%s' failed: %v", job.Name, job.Admin, err)
		if !ErrActionRequired.Has(err) {
			r.alerts.Alert("Failed: "+job.Name,
				fmt.Sprintf("Admin: %s\nStarted: %s\nProgress: %s\n\n%v",
					job.Admin, job.Started.Format(time.RFC3339), job.StreamURLPath(), err))
		}
	} else {
		logger.Infof("'%s' by '%s' finished in %s", job.Name, job.Admin, time.Since(job.Started).Round(time.Millisecond))
	}
	if cerr := job.stream.Close(err); cerr != nil {
		logger.Errorf("Close progress stream %s: %v", job.ID, cerr)
	}
	recordOperation(operationKind(job.Name), err)

	r.mu.Lock()
	delete(r.running, job.ID)
	r.mu.Unlock()
	activeJobs.Dec()

	job.err = err
	close(job.done)
}

// operationKind 去掉作业名中的标题和版本，作为指标标签
func operationKind(name string) string {
	fields := strings.Fields(name)
	if len(fields) > 2 {
		fields = fields[:2]
	}
	return strings.Join(fields, " ")
}

func (r *JobRunner) call(job *Job, fn JobFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("'%s' panicked: %v\n%s", job.Name, p, debug.Stack())
			err = ErrFatal.New("%s: unexpected failure: %v", job.Name, p)
		}
	}()
	return classify(fn(r.ctx, job.stream))
}

/**
 * List running jobs
 * @returns {[]models.JobState} Running jobs, oldest first
 */
func (r *JobRunner) Running() []models.JobState {
	r.mu.Lock()
	result := make([]models.JobState, 0, len(r.running))
	for _, j := range r.running {
		result = append(result, models.JobState{
			ID:        j.ID,
			Name:      j.Name,
			Admin:     j.Admin,
			Started:   j.Started,
			StreamURL: j.StreamURLPath(),
		})
	}
	r.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Started.Before(result[j].Started) })
	return result
}

func (r *JobRunner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

/**
 * Wait for running jobs to finish
 * @param {context.Context} ctx - Bounds the wait
 * @returns {error} ctx.Err() when jobs were still running at the deadline
 */
func (r *JobRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
