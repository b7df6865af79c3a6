// internal/syncer/runner.go

// Package syncer implements the chunked step runner: one invocation fetches
// up to a fixed number of listing pages for a single resource type, writes
// them incrementally, and returns a resumption cursor. Each chunk leaves the
// projection store in a valid state even if the next chunk never runs.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-mirror/internal/gh"
	"github-mirror/internal/model"
	"github-mirror/internal/transform"
)

const (
	// pageBudget bounds how many pages one chunk invocation may fetch, so a
	// chunk stays within its wall-clock budget regardless of repository size.
	pageBudget = 10

	// checkRunConcurrency bounds the per-head-SHA check-run fan-out. The
	// shared client limiter keeps the credential's rate budget respected.
	checkRunConcurrency = 4
)

// deliveryNamespace seeds the deterministic UUIDv5 delivery ids.
var deliveryNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// Fetcher is the page-at-a-time GitHub listing surface, implemented by
// gh.Client.
type Fetcher interface {
	ListBranches(ctx context.Context, owner, name string, page int) ([]gh.BranchRecord, []gh.Skipped, error)
	ListPullRequests(ctx context.Context, owner, name string, page int) ([]gh.PullRequestRecord, []gh.Skipped, error)
	ListIssues(ctx context.Context, owner, name string, page int) ([]gh.IssueRecord, []gh.Skipped, error)
	ListCommits(ctx context.Context, owner, name string, page int) ([]gh.CommitRecord, []gh.Skipped, error)
	ListCheckRuns(ctx context.Context, owner, name, headSha string, page int) ([]gh.CheckRunRecord, []gh.Skipped, error)
	ListWorkflowRuns(ctx context.Context, owner, name string, page int) ([]gh.WorkflowRunRecord, []gh.Skipped, error)
	ListWorkflowJobs(ctx context.Context, owner, name string, runID int64, page int) ([]gh.WorkflowJobRecord, []gh.Skipped, error)
	ListPullRequestFiles(ctx context.Context, owner, name string, number, page int) ([]gh.PullRequestFileRecord, []gh.Skipped, error)
}

// Store is the projection-store mutation surface the runner writes through,
// implemented by store.Store.
type Store interface {
	UpsertUsers(ctx context.Context, users []model.User) (int, error)
	UpsertBranches(ctx context.Context, branches []model.Branch) (int, error)
	UpsertPullRequests(ctx context.Context, prs []model.PullRequest, skipProjections bool) (int, error)
	UpsertIssues(ctx context.Context, issues []model.Issue, skipProjections bool) (int, error)
	UpsertCommits(ctx context.Context, commits []model.Commit) (int, error)
	UpsertCheckRuns(ctx context.Context, runs []model.CheckRun) (int, error)
	UpsertWorkflowRuns(ctx context.Context, runs []model.WorkflowRun) (int, error)
	UpsertWorkflowJobs(ctx context.Context, jobs []model.WorkflowJob) (int, error)
	UpsertPullRequestFiles(ctx context.Context, files []model.PullRequestFile) (int, error)
	InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) (int, error)
}

// ChunkRequest identifies one chunk's worth of work: a resource type for a
// repository, starting at the cursor (nil means page 1).
type ChunkRequest struct {
	RepositoryID int64
	Owner        string
	Name         string
	Resource     gh.Resource
	Cursor       *string
	// Set for pull_request_files: the pull request whose diff listing is
	// being fetched.
	PullRequestNumber int
}

// ChunkResult reports how many rows the chunk wrote and where the next
// chunk should resume. A nil NextCursor means pagination is exhausted.
type ChunkResult struct {
	Written    int
	NextCursor *string
}

// CheckRunBatchRequest carries one batch of head SHAs for the check-run
// fan-out stage.
type CheckRunBatchRequest struct {
	RepositoryID int64
	Owner        string
	Name         string
	HeadShas     []string
}

// Runner drives fetch → transform → write for one chunk at a time.
type Runner struct {
	fetcher Fetcher
	store   Store
	logger  *slog.Logger
}

func NewRunner(fetcher Fetcher, store Store, logger *slog.Logger) *Runner {
	return &Runner{fetcher: fetcher, store: store, logger: logger}
}

// RunChunk fetches up to pageBudget pages starting at the cursor. Every
// page is written immediately after it is fetched, so partial progress is
// durable; accumulated users are flushed once after the loop. Pagination is
// exhausted exactly when a page's raw element count (accepted + skipped)
// falls below the page size.
func (r *Runner) RunChunk(ctx context.Context, req ChunkRequest) (ChunkResult, error) {
	page, err := startPage(req.Cursor)
	if err != nil {
		return ChunkResult{}, err
	}

	logger := r.logger.With("owner", req.Owner, "repo", req.Name, "resource", req.Resource)
	users := transform.NewUserCollector()

	written := 0
	var next *string
	for i := 0; i < pageBudget; i++ {
		n, raw, err := r.processPage(ctx, req, page, users)
		if err != nil {
			return ChunkResult{Written: written}, err
		}
		written += n

		if raw < gh.PerPage {
			next = nil
			break
		}
		page++
		if i == pageBudget-1 {
			c := strconv.Itoa(page)
			next = &c
		}
	}

	if flushed := users.Flush(); len(flushed) > 0 {
		if _, err := r.store.UpsertUsers(ctx, flushed); err != nil {
			return ChunkResult{Written: written}, fmt.Errorf("flushing users: %w", err)
		}
	}

	logger.Info("chunk complete", "written", written, "next_cursor", cursorString(next))
	return ChunkResult{Written: written, NextCursor: next}, nil
}

// processPage fetches, dead-letters, transforms and writes a single page.
// It returns the rows written and the raw element count used for the
// termination check.
func (r *Runner) processPage(ctx context.Context, req ChunkRequest, page int, users *transform.UserCollector) (int, int, error) {
	switch req.Resource {
	case gh.ResourceBranches:
		recs, skipped, err := r.fetcher.ListBranches(ctx, req.Owner, req.Name, page)
		if err != nil {
			return 0, 0, err
		}
		if err := r.deadLetter(ctx, req.Resource, req.RepositoryID, "", page, skipped); err != nil {
			return 0, 0, err
		}
		rows := make([]model.Branch, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, transform.Branch(req.RepositoryID, rec))
		}
		n, err := r.store.UpsertBranches(ctx, rows)
		return n, len(recs) + len(skipped), err

	case gh.ResourcePullRequests:
		recs, skipped, err := r.fetcher.ListPullRequests(ctx, req.Owner, req.Name, page)
		if err != nil {
			return 0, 0, err
		}
		if err := r.deadLetter(ctx, req.Resource, req.RepositoryID, "", page, skipped); err != nil {
			return 0, 0, err
		}
		rows := make([]model.PullRequest, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, transform.PullRequest(req.RepositoryID, rec, users))
		}
		n, err := r.store.UpsertPullRequests(ctx, rows, true)
		return n, len(recs) + len(skipped), err

	case gh.ResourceIssues:
		recs, skipped, err := r.fetcher.ListIssues(ctx, req.Owner, req.Name, page)
		if err != nil {
			return 0, 0, err
		}
		if err := r.deadLetter(ctx, req.Resource, req.RepositoryID, "", page, skipped); err != nil {
			return 0, 0, err
		}
		rows := make([]model.Issue, 0, len(recs))
		for _, rec := range recs {
			if row, ok := transform.Issue(req.RepositoryID, rec, users); ok {
				rows = append(rows, row)
			}
		}
		n, err := r.store.UpsertIssues(ctx, rows, true)
		return n, len(recs) + len(skipped), err

	case gh.ResourceCommits:
		recs, skipped, err := r.fetcher.ListCommits(ctx, req.Owner, req.Name, page)
		if err != nil {
			return 0, 0, err
		}
		if err := r.deadLetter(ctx, req.Resource, req.RepositoryID, "", page, skipped); err != nil {
			return 0, 0, err
		}
		rows := make([]model.Commit, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, transform.Commit(req.RepositoryID, rec, users))
		}
		n, err := r.store.UpsertCommits(ctx, rows)
		return n, len(recs) + len(skipped), err

	case gh.ResourceWorkflowRuns:
		return r.processWorkflowRunPage(ctx, req, page, users)

	case gh.ResourcePullRequestFiles:
		scope := strconv.Itoa(req.PullRequestNumber)
		recs, skipped, err := r.fetcher.ListPullRequestFiles(ctx, req.Owner, req.Name, req.PullRequestNumber, page)
		if err != nil {
			return 0, 0, err
		}
		if err := r.deadLetter(ctx, req.Resource, req.RepositoryID, scope, page, skipped); err != nil {
			return 0, 0, err
		}
		rows := make([]model.PullRequestFile, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, transform.PullRequestFile(req.RepositoryID, req.PullRequestNumber, rec))
		}
		n, err := r.store.UpsertPullRequestFiles(ctx, rows)
		return n, len(recs) + len(skipped), err

	default:
		return 0, 0, fmt.Errorf("unknown resource %q", req.Resource)
	}
}

// processWorkflowRunPage writes one page of workflow runs, then pulls the
// job listing of every run on the page. Job pages do not count against the
// chunk's page budget; run listings are the unbounded dimension.
func (r *Runner) processWorkflowRunPage(ctx context.Context, req ChunkRequest, page int, users *transform.UserCollector) (int, int, error) {
	recs, skipped, err := r.fetcher.ListWorkflowRuns(ctx, req.Owner, req.Name, page)
	if err != nil {
		return 0, 0, err
	}
	if err := r.deadLetter(ctx, gh.ResourceWorkflowRuns, req.RepositoryID, "", page, skipped); err != nil {
		return 0, 0, err
	}

	rows := make([]model.WorkflowRun, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, transform.WorkflowRun(req.RepositoryID, rec, users))
	}
	written, err := r.store.UpsertWorkflowRuns(ctx, rows)
	if err != nil {
		return written, 0, err
	}

	for _, rec := range recs {
		n, err := r.syncJobsForRun(ctx, req, rec.ID)
		if err != nil {
			return written, 0, err
		}
		written += n
	}
	return written, len(recs) + len(skipped), nil
}

func (r *Runner) syncJobsForRun(ctx context.Context, req ChunkRequest, runID int64) (int, error) {
	scope := strconv.FormatInt(runID, 10)
	written := 0
	for page := 1; ; page++ {
		recs, skipped, err := r.fetcher.ListWorkflowJobs(ctx, req.Owner, req.Name, runID, page)
		if err != nil {
			return written, err
		}
		if err := r.deadLetter(ctx, gh.ResourceWorkflowJobs, req.RepositoryID, scope, page, skipped); err != nil {
			return written, err
		}
		rows := make([]model.WorkflowJob, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, transform.WorkflowJob(req.RepositoryID, rec))
		}
		n, err := r.store.UpsertWorkflowJobs(ctx, rows)
		written += n
		if err != nil {
			return written, err
		}
		if len(recs)+len(skipped) < gh.PerPage {
			return written, nil
		}
	}
}

// RunCheckRunBatch fetches check runs for a batch of head SHAs under a
// bounded worker pool. There is no cursor: the orchestrator slices the SHA
// set into batches itself.
func (r *Runner) RunCheckRunBatch(ctx context.Context, req CheckRunBatchRequest) (ChunkResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkRunConcurrency)

	var mu sync.Mutex
	written := 0

	for _, sha := range req.HeadShas {
		sha := sha
		g.Go(func() error {
			for page := 1; ; page++ {
				recs, skipped, err := r.fetcher.ListCheckRuns(gctx, req.Owner, req.Name, sha, page)
				if err != nil {
					return err
				}
				if err := r.deadLetter(gctx, gh.ResourceCheckRuns, req.RepositoryID, sha, page, skipped); err != nil {
					return err
				}
				rows := make([]model.CheckRun, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, transform.CheckRun(req.RepositoryID, rec))
				}
				n, err := r.store.UpsertCheckRuns(gctx, rows)
				mu.Lock()
				written += n
				mu.Unlock()
				if err != nil {
					return err
				}
				if len(recs)+len(skipped) < gh.PerPage {
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return ChunkResult{Written: written}, err
	}
	return ChunkResult{Written: written}, nil
}

// deadLetter persists the skipped elements of one page. The malformed
// elements never fail the batch; only a store failure propagates.
func (r *Runner) deadLetter(ctx context.Context, resource gh.Resource, repoID int64, scope string, page int, skipped []gh.Skipped) error {
	if len(skipped) == 0 {
		return nil
	}
	letters := make([]model.DeadLetter, 0, len(skipped))
	for _, sk := range skipped {
		r.logger.Warn("dead-lettering malformed element",
			"resource", resource, "page", page, "index", sk.Index, "reason", sk.Reason)
		letters = append(letters, model.DeadLetter{
			DeliveryID:   DeliveryID(resource, repoID, scope, page, sk.Index),
			RepositoryID: repoID,
			Resource:     string(resource),
			Reason:       sk.Reason,
			PayloadJSON:  sk.Raw,
		})
	}
	_, err := r.store.InsertDeadLetters(ctx, letters)
	return err
}

// DeliveryID derives the write-once key for a dead letter: a UUIDv5 over
// resource kind, repository, scope (head SHA, run id or PR number where the
// listing is nested), page and in-page index. Retrying the same page yields
// the same id.
func DeliveryID(resource gh.Resource, repoID int64, scope string, page, index int) string {
	key := fmt.Sprintf("%s:%d:%s:%d:%d", resource, repoID, scope, page, index)
	return uuid.NewSHA1(deliveryNamespace, []byte(key)).String()
}

func startPage(cursor *string) (int, error) {
	if cursor == nil {
		return 1, nil
	}
	page, err := strconv.Atoi(*cursor)
	if err != nil || page < 1 {
		return 0, fmt.Errorf("invalid cursor %q", *cursor)
	}
	return page, nil
}

func cursorString(c *string) string {
	if c == nil {
		return "<exhausted>"
	}
	return *c
}
