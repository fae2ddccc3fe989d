package quota

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connectRedis(ctx); err != nil {
		fmt.Printf("Redis not reachable, redis tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connectRedis(ctx context.Context) error {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedisClient.Ping(ctx).Err()
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping redis test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestRedisLedgerLifecycle(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewRedisLedger(rdb, "test")

	now := time.Now().UTC().Truncate(time.Millisecond)
	old := Job{ID: "j-old", UserID: "alice", Type: JobEval, Status: StatusRunning, StartedAt: now.Add(-2 * time.Hour)}
	cur := Job{ID: "j-new", UserID: "alice", Type: JobBenchmark, Status: StatusRunning, StartedAt: now}
	require.NoError(t, l.CreateJob(ctx, old))
	require.NoError(t, l.CreateJob(ctx, cur))

	active, err := l.ActiveJobs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	recent, err := l.JobsSince(ctx, "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, recent)

	require.NoError(t, l.FinishJob(ctx, "j-old", StatusFailed, "boom", now))
	active, _ = l.ActiveJobs(ctx, "alice")
	assert.Equal(t, 1, active)

	got, err := l.GetJob(ctx, "j-old")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Detail)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(now))

	jobs, err := l.ListJobs(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j-new", jobs[0].ID)
	assert.True(t, jobs[0].StartedAt.Equal(now))

	assert.ErrorIs(t, l.FinishJob(ctx, "nope", StatusFailed, "", now), ErrJobNotFound)
	_, err = l.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisLedgerLimitsAndDelete(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewRedisLedger(rdb, "test")

	none, err := l.UserLimits(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, l.SetUserLimits(ctx, "alice", Limits{MaxConcurrent: 3, JobsPerHour: 50}))
	got, err := l.UserLimits(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &Limits{MaxConcurrent: 3, JobsPerHour: 50}, got)

	require.NoError(t, l.CreateJob(ctx, Job{ID: "j1", UserID: "alice", Status: StatusRunning, StartedAt: time.Now()}))
	require.NoError(t, l.DeleteUser(ctx, "alice"))

	keys, err := rdb.Keys(ctx, "test:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestControllerOverRedis(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	c := quietController(NewRedisLedger(rdb, "test"), Limits{})

	job, err := c.Acquire(ctx, "alice", JobBenchmark)
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "alice", JobBenchmark)
	assert.ErrorIs(t, err, ErrRateLimited)

	require.NoError(t, c.Release(ctx, job.ID, StatusCompleted, ""))
	_, err = c.Acquire(ctx, "alice", JobBenchmark)
	assert.NoError(t, err)
}

func TestRedisLedgerSweepStale(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewRedisLedger(rdb, "test")

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, l.CreateJob(ctx, Job{ID: "stuck", UserID: "alice", Status: StatusRunning, StartedAt: now.Add(-10 * time.Hour)}))
	require.NoError(t, l.CreateJob(ctx, Job{ID: "fresh", UserID: "bob", Status: StatusRunning, StartedAt: now.Add(-time.Minute)}))
	// A row that expired without being finished.
	require.NoError(t, rdb.ZAdd(ctx, "test:running", redis.Z{Score: float64(now.Add(-20 * time.Hour).UnixMilli()), Member: "ghost"}).Err())

	n, err := l.SweepStale(ctx, now.Add(-6*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := l.GetJob(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	assert.Equal(t, StaleDetail, stuck.Detail)
	active, _ := l.ActiveJobs(ctx, "alice")
	assert.Zero(t, active)

	running, err := rdb.ZRange(ctx, "test:running", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, running)

	require.NoError(t, l.FinishJob(ctx, "fresh", StatusCompleted, "", now))
	exists, err := rdb.Exists(ctx, "test:running").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
