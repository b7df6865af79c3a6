//go:build integration

// cmd/worker/integration_test.go
package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-mirror/internal/model"
	"github-mirror/internal/store"
	"github-mirror/internal/syncer"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (*pgxpool.Pool, func()) {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	teardown := func() {
		dbpool.Close()
		require.NoError(t, pgContainer.Terminate(ctx))
	}
	return dbpool, teardown
}

func testStore(dbpool *pgxpool.Pool) *store.Store {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return store.New(dbpool, 15*time.Second, logger)
}

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	s := testStore(dbpool)

	// The repository upsert is idempotent and keyed by the external id: the
	// second call refreshes the row instead of inserting a new one.
	repo, err := s.UpsertRepository(ctx, model.Repository{
		GithubRepoID: 99, Owner: "test", Name: "repo", InstallationID: 5,
	})
	require.NoError(t, err)
	again, err := s.UpsertRepository(ctx, model.Repository{
		GithubRepoID: 99, Owner: "test", Name: "repo", InstallationID: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)
	assert.Equal(t, int64(6), again.InstallationID)

	fetched, err := s.GetRepositoryByOwnerAndName(ctx, "test", "repo")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, fetched.ID)

	authorID := int64(1)
	_, err = s.UpsertUsers(ctx, []model.User{{GithubUserID: 1, Login: "alice", Type: "User"}})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	prs := []model.PullRequest{
		{
			RepositoryID: repo.ID, GithubPrID: 1001, Number: 1, Title: "add parser",
			State: "open", AuthorID: &authorID, Labels: []string{"bug"},
			HeadRef: "feature", HeadSha: "aaa", BaseRef: "main",
			GithubCreatedAt: now, GithubUpdatedAt: now,
		},
		{
			RepositoryID: repo.ID, GithubPrID: 1002, Number: 2, Title: "fix build",
			State: "closed", Merged: true,
			HeadRef: "fix", HeadSha: "bbb", BaseRef: "main",
			GithubCreatedAt: now, GithubUpdatedAt: now, MergedAt: &now, ClosedAt: &now,
		},
	}

	// Writing the same page twice leaves the same final rows.
	n, err := s.UpsertPullRequests(ctx, prs, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	prs[0].Title = "add parser v2"
	_, err = s.UpsertPullRequests(ctx, prs, true)
	require.NoError(t, err)

	require.NoError(t, s.RefreshSearchProjections(ctx, repo.ID))

	_, err = s.UpsertBranches(ctx, []model.Branch{
		{RepositoryID: repo.ID, Name: "main", HeadSha: "ccc"},
		{RepositoryID: repo.ID, Name: "feature", HeadSha: "aaa"},
	})
	require.NoError(t, err)

	// Only the open PR is a file-sync target.
	targets, err := s.ListOpenPullRequestTargets(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 1, targets[0].PullRequestNumber)
	assert.Equal(t, "aaa", targets[0].HeadSha)

	// Head SHAs union branch heads with open PR heads, deduplicated.
	shas, err := s.ListHeadShas(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "ccc"}, shas)

	status, err := s.GetSyncStatus(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.PullRequests)
	assert.Equal(t, int64(2), status.Branches)
	assert.Equal(t, int64(0), status.DeadLetters)
}

func TestDeadLetters_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	s := testStore(dbpool)
	repo, err := s.UpsertRepository(ctx, model.Repository{GithubRepoID: 99, Owner: "test", Name: "repo"})
	require.NoError(t, err)

	letter := model.DeadLetter{
		DeliveryID:   syncer.DeliveryID("issues", repo.ID, "", 2, 42),
		RepositoryID: repo.ID,
		Resource:     "issues",
		Reason:       "issue missing id",
		PayloadJSON:  []byte(`{"id":"bad"}`),
	}
	_, err = s.InsertDeadLetters(ctx, []model.DeadLetter{letter})
	require.NoError(t, err)

	// Retrying the same page reproduces the same delivery id; the second
	// insert is a no-op.
	_, err = s.InsertDeadLetters(ctx, []model.DeadLetter{letter})
	require.NoError(t, err)

	letters, err := s.ListDeadLetters(ctx, repo.ID, 50)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, letter.DeliveryID, letters[0].DeliveryID)
	assert.Equal(t, "issue missing id", letters[0].Reason)
	assert.JSONEq(t, `{"id":"bad"}`, string(letters[0].PayloadJSON))
	assert.False(t, letters[0].DBCreatedAt.IsZero())
}
