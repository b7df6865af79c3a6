// internal/orchestrator/workflow.go

// Package orchestrator sequences the bootstrap as a durable Temporal
// workflow. Each stage loops a chunked activity until its cursor is nil;
// retry and backoff belong to the activity retry policy, never to the
// pipeline code itself. A retried chunk re-fetches and re-writes the same
// page range, which is safe because every projection write is idempotent.
package orchestrator

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github-mirror/internal/gh"
	"github-mirror/internal/model"
	"github-mirror/internal/syncer"
)

// checkRunBatchSize is how many head SHAs one check-run activity invocation
// covers.
const checkRunBatchSize = 25

// NoCredentialErrType marks authentication failures as non-retryable:
// retrying with the same arguments cannot succeed.
const NoCredentialErrType = "NoCredential"

// BootstrapRequest starts a full backfill for one connected repository.
type BootstrapRequest struct {
	GithubRepoID   int64
	Owner          string
	Name           string
	InstallationID int64
	// Set for repositories connected before the App migration; opts into
	// the legacy token fallback.
	LegacyUserID string
}

// AuthRef is the credential reference threaded to every fetch activity.
type AuthRef struct {
	InstallationID int64
	LegacyUserID   string
}

// ChunkActivityRequest wraps one chunk of work with its credential reference.
type ChunkActivityRequest struct {
	Auth  AuthRef
	Chunk syncer.ChunkRequest
}

// CheckRunActivityRequest wraps one head-SHA batch with its credential
// reference.
type CheckRunActivityRequest struct {
	Auth  AuthRef
	Batch syncer.CheckRunBatchRequest
}

// ScheduleRequest asks the terminal stage to fan out per-PR file syncs.
type ScheduleRequest struct {
	RepositoryID   int64
	Owner          string
	Name           string
	InstallationID int64
	LegacyUserID   string
}

// FileSyncRequest is the payload of one scheduled follow-up job: fetch the
// per-file diff listing of a single open pull request.
type FileSyncRequest struct {
	Owner             string
	Name              string
	RepositoryID      int64
	PullRequestNumber int
	HeadSha           string
	InstallationID    int64
	LegacyUserID      string
}

// BootstrapResult summarizes a completed bootstrap run.
type BootstrapResult struct {
	RepositoryID       int64
	Written            map[string]int
	ScheduledFileSyncs int
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        2 * time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{NoCredentialErrType},
		},
	}
}

// BootstrapRepository backfills every synced resource type for one
// repository, in fixed order: branches, pull requests, issues, commits,
// check runs (per head-SHA batch), workflow runs with their jobs, and
// finally the per-PR file-sync fan-out. Cursors live only in this
// workflow's event history; the pipeline is stateless between chunks.
func BootstrapRepository(ctx workflow.Context, req BootstrapRequest) (*BootstrapResult, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	logger := workflow.GetLogger(ctx)
	logger.Info("starting bootstrap", "owner", req.Owner, "repo", req.Name)

	var a *Activities
	auth := AuthRef{InstallationID: req.InstallationID, LegacyUserID: req.LegacyUserID}

	var repo model.Repository
	if err := workflow.ExecuteActivity(ctx, a.EnsureRepository, req).Get(ctx, &repo); err != nil {
		return nil, err
	}

	written := map[string]int{}
	for _, resource := range []gh.Resource{
		gh.ResourceBranches,
		gh.ResourcePullRequests,
		gh.ResourceIssues,
		gh.ResourceCommits,
	} {
		n, err := runChunkLoop(ctx, a, auth, repo, resource, 0)
		if err != nil {
			return nil, err
		}
		written[string(resource)] = n
	}

	// Check runs are keyed by head SHA, not by page: the SHA set comes from
	// the branches and open PRs written above, sliced into bounded batches.
	var shas []string
	if err := workflow.ExecuteActivity(ctx, a.ListCheckRunTargets, repo.ID).Get(ctx, &shas); err != nil {
		return nil, err
	}
	checkRuns := 0
	for start := 0; start < len(shas); start += checkRunBatchSize {
		end := min(start+checkRunBatchSize, len(shas))
		var res syncer.ChunkResult
		err := workflow.ExecuteActivity(ctx, a.SyncCheckRunBatch, CheckRunActivityRequest{
			Auth: auth,
			Batch: syncer.CheckRunBatchRequest{
				RepositoryID: repo.ID,
				Owner:        repo.Owner,
				Name:         repo.Name,
				HeadShas:     shas[start:end],
			},
		}).Get(ctx, &res)
		if err != nil {
			return nil, err
		}
		checkRuns += res.Written
	}
	written[string(gh.ResourceCheckRuns)] = checkRuns

	n, err := runChunkLoop(ctx, a, auth, repo, gh.ResourceWorkflowRuns, 0)
	if err != nil {
		return nil, err
	}
	written[string(gh.ResourceWorkflowRuns)] = n

	// The bootstrap deferred the search projections on every PR/issue
	// upsert; rebuild them once now.
	if err := workflow.ExecuteActivity(ctx, a.RefreshProjections, repo.ID).Get(ctx, nil); err != nil {
		return nil, err
	}

	// Fan out one follow-up job per open PR. The target set is read from
	// the store, not carried through the workflow, which keeps this
	// journal small regardless of repository size.
	var scheduled int
	err = workflow.ExecuteActivity(ctx, a.SchedulePullRequestFileSyncs, ScheduleRequest{
		RepositoryID:   repo.ID,
		Owner:          repo.Owner,
		Name:           repo.Name,
		InstallationID: req.InstallationID,
		LegacyUserID:   req.LegacyUserID,
	}).Get(ctx, &scheduled)
	if err != nil {
		return nil, err
	}

	logger.Info("bootstrap complete", "written", written, "scheduled_file_syncs", scheduled)
	return &BootstrapResult{
		RepositoryID:       repo.ID,
		Written:            written,
		ScheduledFileSyncs: scheduled,
	}, nil
}

// SyncPullRequestFiles is the scheduled follow-up workflow: it mirrors the
// per-file diff listing of a single pull request, chunked like every other
// paginated resource.
func SyncPullRequestFiles(ctx workflow.Context, req FileSyncRequest) (int, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var a *Activities
	auth := AuthRef{InstallationID: req.InstallationID, LegacyUserID: req.LegacyUserID}

	total := 0
	var cursor *string
	for {
		var res syncer.ChunkResult
		err := workflow.ExecuteActivity(ctx, a.SyncResourceChunk, ChunkActivityRequest{
			Auth: auth,
			Chunk: syncer.ChunkRequest{
				RepositoryID:      req.RepositoryID,
				Owner:             req.Owner,
				Name:              req.Name,
				Resource:          gh.ResourcePullRequestFiles,
				Cursor:            cursor,
				PullRequestNumber: req.PullRequestNumber,
			},
		}).Get(ctx, &res)
		if err != nil {
			return total, err
		}
		total += res.Written
		if res.NextCursor == nil {
			return total, nil
		}
		cursor = res.NextCursor
	}
}

// runChunkLoop re-invokes the chunked step with the cursor returned by the
// previous invocation until pagination is exhausted.
func runChunkLoop(ctx workflow.Context, a *Activities, auth AuthRef, repo model.Repository, resource gh.Resource, prNumber int) (int, error) {
	total := 0
	var cursor *string
	for {
		var res syncer.ChunkResult
		err := workflow.ExecuteActivity(ctx, a.SyncResourceChunk, ChunkActivityRequest{
			Auth: auth,
			Chunk: syncer.ChunkRequest{
				RepositoryID:      repo.ID,
				Owner:             repo.Owner,
				Name:              repo.Name,
				Resource:          resource,
				Cursor:            cursor,
				PullRequestNumber: prNumber,
			},
		}).Get(ctx, &res)
		if err != nil {
			return total, err
		}
		total += res.Written
		if res.NextCursor == nil {
			return total, nil
		}
		cursor = res.NextCursor
	}
}
