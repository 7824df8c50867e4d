package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(subject, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *recordingAlerter) Subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

func TestJobRunnerSuccess(t *testing.T) {
	sm := newTestStreams(t)
	alerts := &recordingAlerter{}
	r := NewJobRunner(sm, alerts)
	lm := NewLockManager()
	actor := Actor{Admin: "alice", Host: "mac1"}

	lease, err := lm.WriteTitle("xolotest", actor.owner("update title"))
	require.NoError(t, err)

	release := make(chan struct{})
	job, err := r.Start("update title xolotest", actor, lease, func(ctx context.Context, rep Reporter) error {
		rep.Report("working")
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", job.Admin)
	assert.Equal(t, StreamURLPath(job.ID), job.StreamURLPath())

	running := r.Running()
	require.Len(t, running, 1)
	assert.Equal(t, "update title xolotest", running[0].Name)
	assert.Equal(t, 1, r.Count())

	// 作业运行期间锁一直持有
	_, err = lm.WriteTitle("xolotest", bob)
	assert.True(t, ErrConflict.Has(err))

	close(release)
	require.NoError(t, job.Wait())
	assert.Zero(t, r.Count())
	assert.Zero(t, lm.Entries())
	assert.Empty(t, alerts.Subjects())

	lines, err := sm.Lines(job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"working", StreamDoneLine}, lines)
}

func TestJobRunnerFailure(t *testing.T) {
	sm := newTestStreams(t)
	alerts := &recordingAlerter{}
	r := NewJobRunner(sm, alerts)

	job, err := r.Start("delete title xolotest", Actor{Admin: "alice"}, nil, func(ctx context.Context, rep Reporter) error {
		return errors.New("disk full")
	})
	require.NoError(t, err)

	err = job.Wait()
	require.Error(t, err)
	assert.True(t, ErrFatal.Has(err))
	assert.Equal(t, []string{"Failed: delete title xolotest"}, alerts.Subjects())

	lines, err := sm.Lines(job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ERROR: fatal: disk full", StreamDoneLine}, lines)
}

func TestJobRunnerActionRequiredIsNotAlerted(t *testing.T) {
	sm := newTestStreams(t)
	alerts := &recordingAlerter{}
	r := NewJobRunner(sm, alerts)

	job, err := r.Start("add title xolotest", Actor{Admin: "alice"}, nil, func(ctx context.Context, rep Reporter) error {
		return ErrActionRequired.New("approve the extension attribute")
	})
	require.NoError(t, err)
	assert.True(t, ErrActionRequired.Has(job.Wait()))
	assert.Empty(t, alerts.Subjects())
}

func TestJobRunnerRecoversPanics(t *testing.T) {
	sm := newTestStreams(t)
	r := NewJobRunner(sm, nil)
	lm := NewLockManager()

	lease, err := lm.WriteVersion("xolotest", "1.0", alice)
	require.NoError(t, err)
	job, err := r.Start("release version xolotest 1.0", Actor{Admin: "alice"}, lease, func(ctx context.Context, rep Reporter) error {
		panic("nil map")
	})
	require.NoError(t, err)

	err = job.Wait()
	assert.True(t, ErrFatal.Has(err))
	assert.Contains(t, err.Error(), "unexpected failure: nil map")
	assert.Zero(t, lm.Entries())
}

func TestJobRunnerWait(t *testing.T) {
	r := NewJobRunner(newTestStreams(t), nil)
	release := make(chan struct{})
	_, err := r.Start("deploy version xolotest 1.0", Actor{Admin: "alice"}, nil, func(ctx context.Context, rep Reporter) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, r.Wait(context.Background()))
}

func TestOperationKind(t *testing.T) {
	assert.Equal(t, "update title", operationKind("update title xolotest"))
	assert.Equal(t, "cleanup", operationKind("cleanup"))
}
