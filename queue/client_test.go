package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a miniredis instance and returns a connected RedisClient.
func setupTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisOptions{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, mr
}

func testEnvelope(i int) Envelope {
	return Envelope{
		JobID:       "job-1",
		SessionID:   "session-1",
		TaskID:      fmt.Sprintf("task-%d", i),
		Index:       int64(i),
		Handler:     "double",
		Input:       json.RawMessage(fmt.Sprintf("%d", i)),
		SubmittedAt: time.Now().UnixMilli(),
	}
}

func TestNewRedisClient(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
		require.NoError(t, err)
		require.NotNil(t, client)
		defer client.Close()
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewRedisClient(RedisOptions{
			URL:            "redis://localhost:99999",
			ConnectTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewRedisClient(RedisOptions{URL: "invalid://url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})
}

func TestPushPop(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, client.Push(ctx, QueueKey("default"), testEnvelope(i)))
		}

		for i := 0; i < 5; i++ {
			env, err := client.Pop(ctx, QueueKey("default"), time.Second)
			require.NoError(t, err)
			require.NotNil(t, env)
			assert.Equal(t, fmt.Sprintf("task-%d", i), env.TaskID)
			assert.Equal(t, int64(i), env.Index)
			assert.JSONEq(t, fmt.Sprintf("%d", i), string(env.Input))
			assert.NoError(t, env.Validate())
		}
	})

	t.Run("pop blocks until data", func(t *testing.T) {
		client, _ := setupTestClient(t)
		ctx := context.Background()

		got := make(chan *Envelope, 1)
		go func() {
			env, _ := client.Pop(ctx, "delayed", 5*time.Second)
			got <- env
		}()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, client.Push(ctx, "delayed", testEnvelope(7)))

		select {
		case env := <-got:
			require.NotNil(t, env)
			assert.Equal(t, "task-7", env.TaskID)
		case <-time.After(3 * time.Second):
			t.Fatal("Pop did not return after item was pushed")
		}
	})

	t.Run("malformed entry", func(t *testing.T) {
		client, mr := setupTestClient(t)
		_, err := mr.Lpush("broken", "not json")
		require.NoError(t, err)

		_, err = client.Pop(context.Background(), "broken", time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal envelope")
	})
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := client.Subscribe(ctx, ResultChannel("job-1"))
	require.NoError(t, err)

	want := Result{
		JobID:       "job-1",
		TaskID:      "task-3",
		Index:       3,
		Output:      json.RawMessage(`6`),
		WorkerID:    "w-1",
		StartedAt:   100,
		CompletedAt: 150,
	}
	require.NoError(t, client.Publish(ctx, ResultChannel("job-1"), want))

	select {
	case got := <-results:
		assert.Equal(t, want.TaskID, got.TaskID)
		assert.JSONEq(t, "6", string(got.Output))
		assert.False(t, got.HasError())
		assert.Equal(t, 50*time.Millisecond, got.Duration())
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-results
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessions(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	auth := map[string]any{"id": "auth-1", "provider": "PODAAC"}
	require.NoError(t, client.StoreSession(ctx, "s1", auth, time.Minute))

	loaded, err := client.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, auth, loaded)

	mr.FastForward(2 * time.Minute)
	_, err = client.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelJob(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	cancelled, err := client.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, client.CancelJob(ctx, "job-1", time.Minute))
	cancelled, err = client.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestWorkerRegistration(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	meta := WorkerMeta{
		ID:          "host-1-abcd",
		Pool:        "default",
		Hostname:    "host",
		Handlers:    []string{"double", "granule.download"},
		Concurrency: 4,
		StartedAt:   1000,
	}
	require.NoError(t, client.RegisterWorker(ctx, meta))
	require.NoError(t, client.Heartbeat(ctx, meta.ID))
	assert.True(t, mr.Exists("granule:worker:host-1-abcd:health"))

	workers, err := client.ListWorkers(ctx, "default")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, meta, workers[0])

	require.NoError(t, client.IncrementWorkerCount(ctx, "default", 4))
	count, err := client.GetWorkerCount(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	require.NoError(t, client.DecrementWorkerCount(ctx, "default", 4))
	count, err = client.GetWorkerCount(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, client.DeregisterWorker(ctx, "default", meta.ID))
	workers, err = client.ListWorkers(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, workers)

	count, err = client.GetWorkerCount(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEnvelopeValidate(t *testing.T) {
	env := testEnvelope(1)
	require.NoError(t, env.Validate())

	env.SessionID = ""
	assert.ErrorContains(t, env.Validate(), "session_id")

	env = testEnvelope(1)
	env.Index = -1
	assert.ErrorContains(t, env.Validate(), "index")

	assert.Equal(t, time.Duration(0), (&Envelope{}).Age())
}
