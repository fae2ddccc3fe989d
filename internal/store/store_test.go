package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/scoring"
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
	} else {
		host, hostErr := testRedisContainer.Host(ctx)
		port, portErr := testRedisContainer.MappedPort(ctx, "6379")
		if hostErr != nil || portErr != nil {
			skipIntegration = true
		} else {
			testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
			if err := testRedisClient.Ping(ctx).Err(); err != nil {
				fmt.Printf("Failed to ping redis: %v\n", err)
				skipIntegration = true
			}
		}
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

// stores returns every implementation to run the shared cases against.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}
	if !skipIntegration {
		require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
		out["redis"] = NewRedisStore(testRedisClient, "test")
	}
	return out
}

func TestSaveAndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

			idOld, err := s.SaveBenchmark(ctx, aggregate.BenchmarkRecord{UserID: "alice", JobID: "j1", CreatedAt: base})
			require.NoError(t, err)
			idNew, err := s.SaveBenchmark(ctx, aggregate.BenchmarkRecord{
				UserID: "bob", JobID: "j2", CreatedAt: base.Add(time.Hour),
				Results: []aggregate.AggregatedResult{{Provider: "openai", Model: "gpt-4o", Runs: 2, AvgTokensPerSecond: 55}},
			})
			require.NoError(t, err)
			assert.NotEqual(t, idOld, idNew)

			all, err := s.ListBenchmarks(ctx, time.Time{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "j1", all[0].JobID)

			recent, err := s.ListBenchmarks(ctx, base.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, idNew, recent[0].ID)
			assert.InDelta(t, 55, recent[0].Results[0].AvgTokensPerSecond, 1e-9)

			got, err := s.GetBenchmark(ctx, idOld)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			_, err = s.GetBenchmark(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			evalID, err := s.SaveEval(ctx, aggregate.EvalRecord{
				UserID: "alice", Suite: "weather",
				Summaries: []scoring.ModelSummary{{Provider: "openai", Model: "gpt-4o", Cases: 3, AvgOverall: 1}},
			})
			require.NoError(t, err)
			evals, err := s.ListEvals(ctx, time.Time{})
			require.NoError(t, err)
			require.Len(t, evals, 1)
			assert.Equal(t, evalID, evals[0].ID)
			assert.False(t, evals[0].CreatedAt.IsZero())

			require.NoError(t, s.DeleteUser(ctx, "alice"))
			all, _ = s.ListBenchmarks(ctx, time.Time{})
			require.Len(t, all, 1)
			assert.Equal(t, "bob", all[0].UserID)
			evals, _ = s.ListEvals(ctx, time.Time{})
			assert.Empty(t, evals)
		})
	}
}

func TestBestScore(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.BestScore(ctx, "weather")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.SetBestScore(ctx, BestScore{Experiment: "weather", Score: 0.7, Model: "a"})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetBestScore(ctx, BestScore{Experiment: "weather", Score: 0.5, Model: "b"})
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.SetBestScore(ctx, BestScore{Experiment: "weather", Score: 0.9, Model: "c"})
			require.NoError(t, err)
			assert.True(t, ok)

			best, err := s.BestScore(ctx, "weather")
			require.NoError(t, err)
			assert.Equal(t, "c", best.Model)
		})
	}
}

func TestSetBestScoreConcurrent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 1; i <= 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = s.SetBestScore(ctx, BestScore{Experiment: "race", Score: float64(i)})
				}()
			}
			wg.Wait()

			best, err := s.BestScore(ctx, "race")
			require.NoError(t, err)
			assert.Equal(t, 10.0, best.Score)
		})
	}
}
