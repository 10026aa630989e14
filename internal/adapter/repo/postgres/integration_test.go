package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/repo/postgres"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// TestClaimContract_Postgres runs the claim protocol against a real Postgres.
// Gated behind PG_INTEGRATION because it needs Docker.
func TestClaimContract_Postgres(t *testing.T) {
	if os.Getenv("PG_INTEGRATION") == "" {
		t.Skip("set PG_INTEGRATION=1 to run the Postgres claim contract test")
	}
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "app"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/app?sslmode=disable"

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.Ping() == nil }, 30*time.Second, time.Second)
	_ = db.Close()

	require.NoError(t, postgres.Migrate(dsn))

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	repo := postgres.NewJobRepo(pool)

	insert := func(owner string, priority int, createdAt time.Time) string {
		id := uuid.NewString()
		_, err := pool.Exec(ctx, `INSERT INTO export_jobs (id, owner_id, menu_id, kind, status, priority, metadata, created_at)
			VALUES ($1,$2,$3,'pdf','pending',$4,'{}',$5)`, id, owner, uuid.NewString(), priority, createdAt)
		require.NoError(t, err)
		return id
	}

	t.Run("claim order is priority then fifo", func(t *testing.T) {
		owner := uuid.NewString()
		now := time.Now().UTC()
		older := insert(owner, domain.PriorityNormal, now.Add(-2*time.Minute))
		newer := insert(owner, domain.PriorityNormal, now.Add(-time.Minute))
		high := insert(owner, domain.PriorityHigh, now)

		j1, err := repo.Claim(ctx, "w-order")
		require.NoError(t, err)
		require.Equal(t, high, j1.ID)
		require.Equal(t, domain.JobProcessing, j1.Status)
		require.NotNil(t, j1.StartedAt)

		j2, err := repo.Claim(ctx, "w-order")
		require.NoError(t, err)
		require.Equal(t, older, j2.ID)

		j3, err := repo.Claim(ctx, "w-order")
		require.NoError(t, err)
		require.Equal(t, newer, j3.ID)

		_, err = repo.Claim(ctx, "w-order")
		require.ErrorIs(t, err, domain.ErrNoJob)
	})

	t.Run("concurrent claimers never share a job", func(t *testing.T) {
		owner := uuid.NewString()
		now := time.Now().UTC()
		insert(owner, domain.PriorityNormal, now.Add(-2*time.Second))
		insert(owner, domain.PriorityNormal, now.Add(-time.Second))

		var mu sync.Mutex
		claimed := map[string]int{}
		noJob := 0
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				j, err := repo.Claim(ctx, fmt.Sprintf("w-%d", n))
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, domain.ErrNoJob) {
					noJob++
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				claimed[j.ID]++
			}(i)
		}
		wg.Wait()

		require.Len(t, claimed, 2)
		require.Equal(t, 2, noJob)
		for id, n := range claimed {
			require.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})

	t.Run("terminal transitions guard against moved rows", func(t *testing.T) {
		owner := uuid.NewString()
		id := insert(owner, domain.PriorityNormal, time.Now().UTC())

		j, err := repo.Claim(ctx, "w-complete")
		require.NoError(t, err)
		require.Equal(t, id, j.ID)

		path := domain.StoragePathFor(owner, domain.KindPDF, id)
		require.NoError(t, repo.SetStoragePath(ctx, id, path))
		require.NoError(t, repo.Complete(ctx, id, path, "https://cdn.example.com/"+path))

		require.ErrorIs(t, repo.Complete(ctx, id, path, "u"), domain.ErrConflict)
		require.ErrorIs(t, repo.ResetImmediate(ctx, id), domain.ErrConflict)
	})

	t.Run("backoff hides the job until available_at", func(t *testing.T) {
		owner := uuid.NewString()
		id := insert(owner, domain.PriorityNormal, time.Now().UTC())

		j, err := repo.Claim(ctx, "w-backoff")
		require.NoError(t, err)
		require.Equal(t, id, j.ID)
		require.NoError(t, repo.ResetWithBackoff(ctx, id, 30*time.Second, "render: browser crashed"))

		_, err = repo.Claim(ctx, "w-backoff")
		require.ErrorIs(t, err, domain.ErrNoJob)

		active, err := repo.CountActiveForOwner(ctx, owner)
		require.NoError(t, err)
		require.Equal(t, 1, active)
	})
}
