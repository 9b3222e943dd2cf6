package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	handlers map[tasks.Kind]Handler
}

func (r *fakeRegistry) Lookup(kind tasks.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

func setup(t *testing.T) (*scheduler.Scheduler, *kv.Store) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	store := kv.NewFromAddr(s.Addr())
	return scheduler.New(store), store
}

func TestWorkerRunCompletesSuccessfulTask(t *testing.T) {
	sch, store := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := sch.Enqueue(ctx, tasks.KindSendNotification, map[string]string{"user_id": "u1"}, scheduler.EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	reg := &fakeRegistry{handlers: map[tasks.Kind]Handler{
		tasks.KindSendNotification: func(ctx context.Context, task *tasks.Task) error {
			close(done)
			return nil
		},
	}}

	w := New(sch, reg, store, WithPollDelay(10*time.Millisecond))
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	cancel()
}

func TestWorkerRunFailsUnsupportedKind(t *testing.T) {
	sch, store := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := sch.Enqueue(ctx, tasks.KindSendNotification, map[string]string{}, scheduler.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	reg := &fakeRegistry{handlers: map[tasks.Kind]Handler{}}
	w := New(sch, reg, store, WithPollDelay(10*time.Millisecond))

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	w.Run(runCtx)

	status, err := sch.GetStatus(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, tasks.StatusPending, status.Status)
}

func TestWorkerRunRecoversHandlerPanic(t *testing.T) {
	sch, store := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := sch.Enqueue(ctx, tasks.KindSendNotification, map[string]string{}, scheduler.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	invoked := make(chan struct{})
	reg := &fakeRegistry{handlers: map[tasks.Kind]Handler{
		tasks.KindSendNotification: func(ctx context.Context, task *tasks.Task) error {
			defer close(invoked)
			panic("boom")
		},
	}}

	w := New(sch, reg, store, WithPollDelay(10*time.Millisecond))
	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()

	require.NotPanics(t, func() { w.Run(runCtx) })

	select {
	case <-invoked:
	default:
		t.Fatal("handler was never invoked before timeout")
	}
}

func TestWorkerDispatchUnmarshalsRawPayload(t *testing.T) {
	sch, store := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := sch.Enqueue(ctx, tasks.KindSendNotification, map[string]string{"user_id": "u7"}, scheduler.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	var gotUserID string
	reg := &fakeRegistry{handlers: map[tasks.Kind]Handler{
		tasks.KindSendNotification: func(ctx context.Context, task *tasks.Task) error {
			var p struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(task.Payload, &p); err != nil {
				return err
			}
			gotUserID = p.UserID
			return nil
		},
	}}

	w := New(sch, reg, store, WithPollDelay(10*time.Millisecond))
	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	w.Run(runCtx)

	require.Equal(t, "u7", gotUserID)
}
