// internal/store/store.go

// Package store is the projection store: idempotent upserts keyed by the
// external entity ids, so re-running any page leaves the rows in the same
// final state.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-mirror/internal/model"
)

// maxBatchRows bounds the size of a single write call. A 100-item page is
// written as two sub-batches.
const maxBatchRows = 50

// Store wraps a pgx pool with the mutation and read paths the pipeline uses.
type Store struct {
	pool         *pgxpool.Pool
	writeTimeout time.Duration
	logger       *slog.Logger
}

func New(pool *pgxpool.Pool, writeTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{pool: pool, writeTimeout: writeTimeout, logger: logger}
}

// opCtx applies the per-write timeout so a hung statement cannot consume a
// whole chunk's execution budget.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.writeTimeout)
}

// execBatch sends rows in bounded sub-batches and returns how many were
// written. A failure aborts the remaining sub-batches; already-sent ones
// stay durable.
func execBatch[T any](ctx context.Context, pool *pgxpool.Pool, rows []T, enqueue func(*pgx.Batch, T)) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += maxBatchRows {
		end := min(start+maxBatchRows, len(rows))
		b := &pgx.Batch{}
		for _, row := range rows[start:end] {
			enqueue(b, row)
		}
		br := pool.SendBatch(ctx, b)
		for range rows[start:end] {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return written, err
			}
		}
		if err := br.Close(); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

// UpsertRepository creates the repository row if needed and refreshes its
// installation binding.
func (s *Store) UpsertRepository(ctx context.Context, repo model.Repository) (model.Repository, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (github_repo_id, owner, name, installation_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (github_repo_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			installation_id = EXCLUDED.installation_id,
			updated_at = now()
		RETURNING id, github_repo_id, owner, name, installation_id, created_at, updated_at`,
		repo.GithubRepoID, repo.Owner, repo.Name, repo.InstallationID)

	var out model.Repository
	err := row.Scan(&out.ID, &out.GithubRepoID, &out.Owner, &out.Name, &out.InstallationID, &out.DBCreatedAt, &out.DBUpdatedAt)
	return out, err
}

func (s *Store) GetRepositoryByOwnerAndName(ctx context.Context, owner, name string) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, github_repo_id, owner, name, installation_id, created_at, updated_at
		FROM repositories WHERE owner = $1 AND name = $2`, owner, name)

	var out model.Repository
	err := row.Scan(&out.ID, &out.GithubRepoID, &out.Owner, &out.Name, &out.InstallationID, &out.DBCreatedAt, &out.DBUpdatedAt)
	return out, err
}

func (s *Store) UpsertUsers(ctx context.Context, users []model.User) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, users, func(b *pgx.Batch, u model.User) {
		b.Queue(`
			INSERT INTO users (github_user_id, login, avatar_url, type)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (github_user_id) DO UPDATE SET
				login = EXCLUDED.login,
				avatar_url = EXCLUDED.avatar_url,
				type = EXCLUDED.type`,
			u.GithubUserID, u.Login, u.AvatarURL, u.Type)
	})
}

func (s *Store) UpsertBranches(ctx context.Context, branches []model.Branch) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, branches, func(b *pgx.Batch, br model.Branch) {
		b.Queue(`
			INSERT INTO branches (repository_id, name, head_sha, protected)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (repository_id, name) DO UPDATE SET
				head_sha = EXCLUDED.head_sha,
				protected = EXCLUDED.protected`,
			br.RepositoryID, br.Name, br.HeadSha, br.Protected)
	})
}

// UpsertPullRequests writes pull request rows. With skipProjections the
// expensive search-vector refresh is deferred to RefreshSearchProjections,
// which the bootstrap runs once at the end instead of per page.
func (s *Store) UpsertPullRequests(ctx context.Context, prs []model.PullRequest, skipProjections bool) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q := `
		INSERT INTO pull_requests (
			repository_id, github_pr_id, number, title, body, state, draft, merged,
			author_id, labels, head_ref, head_sha, base_ref,
			github_created_at, github_updated_at, merged_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (github_pr_id) DO UPDATE SET
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			state = EXCLUDED.state,
			draft = EXCLUDED.draft,
			merged = EXCLUDED.merged,
			author_id = EXCLUDED.author_id,
			labels = EXCLUDED.labels,
			head_ref = EXCLUDED.head_ref,
			head_sha = EXCLUDED.head_sha,
			base_ref = EXCLUDED.base_ref,
			github_created_at = EXCLUDED.github_created_at,
			github_updated_at = EXCLUDED.github_updated_at,
			merged_at = EXCLUDED.merged_at,
			closed_at = EXCLUDED.closed_at`
	if !skipProjections {
		q += `,
			search_vector = to_tsvector('simple', EXCLUDED.title || ' ' || coalesce(EXCLUDED.body, ''))`
	}

	return execBatch(ctx, s.pool, prs, func(b *pgx.Batch, pr model.PullRequest) {
		b.Queue(q,
			pr.RepositoryID, pr.GithubPrID, pr.Number, pr.Title, pr.Body, pr.State, pr.Draft, pr.Merged,
			pr.AuthorID, pr.Labels, pr.HeadRef, pr.HeadSha, pr.BaseRef,
			pr.GithubCreatedAt, pr.GithubUpdatedAt, pr.MergedAt, pr.ClosedAt)
	})
}

func (s *Store) UpsertIssues(ctx context.Context, issues []model.Issue, skipProjections bool) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q := `
		INSERT INTO issues (
			repository_id, github_issue_id, number, title, body, state,
			author_id, assignee_ids, labels, comment_count,
			github_created_at, github_updated_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (github_issue_id) DO UPDATE SET
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			state = EXCLUDED.state,
			author_id = EXCLUDED.author_id,
			assignee_ids = EXCLUDED.assignee_ids,
			labels = EXCLUDED.labels,
			comment_count = EXCLUDED.comment_count,
			github_created_at = EXCLUDED.github_created_at,
			github_updated_at = EXCLUDED.github_updated_at,
			closed_at = EXCLUDED.closed_at`
	if !skipProjections {
		q += `,
			search_vector = to_tsvector('simple', EXCLUDED.title || ' ' || coalesce(EXCLUDED.body, ''))`
	}

	return execBatch(ctx, s.pool, issues, func(b *pgx.Batch, is model.Issue) {
		b.Queue(q,
			is.RepositoryID, is.GithubIssueID, is.Number, is.Title, is.Body, is.State,
			is.AuthorID, is.AssigneeIDs, is.Labels, is.CommentCount,
			is.GithubCreatedAt, is.GithubUpdatedAt, is.ClosedAt)
	})
}

func (s *Store) UpsertCommits(ctx context.Context, commits []model.Commit) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, commits, func(b *pgx.Batch, c model.Commit) {
		b.Queue(`
			INSERT INTO commits (repository_id, sha, message, author_id, author_name, author_email, committed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (repository_id, sha) DO UPDATE SET
				message = EXCLUDED.message,
				author_id = EXCLUDED.author_id,
				author_name = EXCLUDED.author_name,
				author_email = EXCLUDED.author_email,
				committed_at = EXCLUDED.committed_at`,
			c.RepositoryID, c.Sha, c.Message, c.AuthorID, c.AuthorName, c.AuthorEmail, c.CommittedAt)
	})
}

func (s *Store) UpsertCheckRuns(ctx context.Context, runs []model.CheckRun) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, runs, func(b *pgx.Batch, cr model.CheckRun) {
		b.Queue(`
			INSERT INTO check_runs (repository_id, github_check_run_id, head_sha, name, status, conclusion, details_url, started_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (github_check_run_id) DO UPDATE SET
				head_sha = EXCLUDED.head_sha,
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				conclusion = EXCLUDED.conclusion,
				details_url = EXCLUDED.details_url,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at`,
			cr.RepositoryID, cr.GithubCheckRunID, cr.HeadSha, cr.Name, cr.Status, cr.Conclusion, cr.DetailsURL, cr.StartedAt, cr.CompletedAt)
	})
}

func (s *Store) UpsertWorkflowRuns(ctx context.Context, runs []model.WorkflowRun) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, runs, func(b *pgx.Batch, wr model.WorkflowRun) {
		b.Queue(`
			INSERT INTO workflow_runs (repository_id, github_run_id, workflow_id, name, head_branch, head_sha, run_number, event, status, conclusion, actor_id, github_created_at, github_updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (github_run_id) DO UPDATE SET
				workflow_id = EXCLUDED.workflow_id,
				name = EXCLUDED.name,
				head_branch = EXCLUDED.head_branch,
				head_sha = EXCLUDED.head_sha,
				run_number = EXCLUDED.run_number,
				event = EXCLUDED.event,
				status = EXCLUDED.status,
				conclusion = EXCLUDED.conclusion,
				actor_id = EXCLUDED.actor_id,
				github_created_at = EXCLUDED.github_created_at,
				github_updated_at = EXCLUDED.github_updated_at`,
			wr.RepositoryID, wr.GithubRunID, wr.WorkflowID, wr.Name, wr.HeadBranch, wr.HeadSha, wr.RunNumber, wr.Event, wr.Status, wr.Conclusion, wr.ActorID, wr.GithubCreatedAt, wr.GithubUpdatedAt)
	})
}

func (s *Store) UpsertWorkflowJobs(ctx context.Context, jobs []model.WorkflowJob) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, jobs, func(b *pgx.Batch, j model.WorkflowJob) {
		b.Queue(`
			INSERT INTO workflow_jobs (repository_id, github_job_id, github_run_id, name, status, conclusion, runner_name, started_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (github_job_id) DO UPDATE SET
				github_run_id = EXCLUDED.github_run_id,
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				conclusion = EXCLUDED.conclusion,
				runner_name = EXCLUDED.runner_name,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at`,
			j.RepositoryID, j.GithubJobID, j.GithubRunID, j.Name, j.Status, j.Conclusion, j.RunnerName, j.StartedAt, j.CompletedAt)
	})
}

func (s *Store) UpsertPullRequestFiles(ctx context.Context, files []model.PullRequestFile) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, files, func(b *pgx.Batch, f model.PullRequestFile) {
		b.Queue(`
			INSERT INTO pull_request_files (repository_id, pull_request_number, filename, status, additions, deletions, previous_filename, patch)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (repository_id, pull_request_number, filename) DO UPDATE SET
				status = EXCLUDED.status,
				additions = EXCLUDED.additions,
				deletions = EXCLUDED.deletions,
				previous_filename = EXCLUDED.previous_filename,
				patch = EXCLUDED.patch`,
			f.RepositoryID, f.PullRequestNumber, f.Filename, f.Status, f.Additions, f.Deletions, f.PreviousFilename, f.Patch)
	})
}

// InsertDeadLetters persists parse failures. The deterministic delivery id
// makes the insert a no-op when the same page is retried.
func (s *Store) InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return execBatch(ctx, s.pool, letters, func(b *pgx.Batch, dl model.DeadLetter) {
		b.Queue(`
			INSERT INTO dead_letters (delivery_id, repository_id, resource, reason, payload)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (delivery_id) DO NOTHING`,
			dl.DeliveryID, dl.RepositoryID, dl.Resource, dl.Reason, dl.PayloadJSON)
	})
}

// RefreshSearchProjections rebuilds the search vectors deferred by
// skipProjections during bootstrap.
func (s *Store) RefreshSearchProjections(ctx context.Context, repoID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pull_requests
		SET search_vector = to_tsvector('simple', title || ' ' || coalesce(body, ''))
		WHERE repository_id = $1`, repoID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE issues
		SET search_vector = to_tsvector('simple', title || ' ' || coalesce(body, ''))
		WHERE repository_id = $1`, repoID)
	return err
}

// ListOpenPullRequestTargets reads the open pull requests that need their
// per-file diff listing fetched after bootstrap.
func (s *Store) ListOpenPullRequestTargets(ctx context.Context, repoID int64) ([]model.SyncTarget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT number, head_sha FROM pull_requests
		WHERE repository_id = $1 AND state = 'open'
		ORDER BY number`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.SyncTarget
	for rows.Next() {
		var t model.SyncTarget
		if err := rows.Scan(&t.PullRequestNumber, &t.HeadSha); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListHeadShas returns the distinct head SHAs check runs should be fetched
// for: branch heads plus open pull request heads.
func (s *Store) ListHeadShas(ctx context.Context, repoID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT head_sha FROM (
			SELECT head_sha FROM branches WHERE repository_id = $1
			UNION
			SELECT head_sha FROM pull_requests WHERE repository_id = $1 AND state = 'open'
		) heads
		WHERE head_sha <> ''
		ORDER BY head_sha`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shas []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		shas = append(shas, sha)
	}
	return shas, rows.Err()
}

func (s *Store) ListDeadLetters(ctx context.Context, repoID int64, limit int) ([]model.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_id, repository_id, resource, reason, payload, created_at
		FROM dead_letters
		WHERE repository_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.DeliveryID, &dl.RepositoryID, &dl.Resource, &dl.Reason, &dl.PayloadJSON, &dl.DBCreatedAt); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func (s *Store) GetSyncStatus(ctx context.Context, repoID int64) (model.SyncStatus, error) {
	var st model.SyncStatus
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM branches WHERE repository_id = $1),
			(SELECT count(*) FROM pull_requests WHERE repository_id = $1),
			(SELECT count(*) FROM issues WHERE repository_id = $1),
			(SELECT count(*) FROM commits WHERE repository_id = $1),
			(SELECT count(*) FROM check_runs WHERE repository_id = $1),
			(SELECT count(*) FROM workflow_runs WHERE repository_id = $1),
			(SELECT count(*) FROM workflow_jobs WHERE repository_id = $1),
			(SELECT count(*) FROM dead_letters WHERE repository_id = $1)`,
		repoID).Scan(
		&st.Branches, &st.PullRequests, &st.Issues, &st.Commits,
		&st.CheckRuns, &st.WorkflowRuns, &st.WorkflowJobs, &st.DeadLetters)
	return st, err
}
