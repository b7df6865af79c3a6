// internal/orchestrator/activities.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	apperrors "github-mirror/internal/errors"
	"github-mirror/internal/gh"
	"github-mirror/internal/model"
	"github-mirror/internal/syncer"
)

// ProjectionStore is the store surface the activities need: the runner's
// mutation path plus the orchestration reads.
type ProjectionStore interface {
	syncer.Store
	UpsertRepository(ctx context.Context, repo model.Repository) (model.Repository, error)
	ListOpenPullRequestTargets(ctx context.Context, repoID int64) ([]model.SyncTarget, error)
	ListHeadShas(ctx context.Context, repoID int64) ([]string, error)
	RefreshSearchProjections(ctx context.Context, repoID int64) error
}

// WorkflowStarter is the slice of the Temporal client used to fan out
// follow-up workflows.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Activities holds the bootstrap activities and their dependencies.
type Activities struct {
	resolver  *gh.TokenResolver
	store     ProjectionStore
	starter   WorkflowStarter
	taskQueue string
	logger    *slog.Logger

	// newFetcher builds the API client for a resolved credential. Tests
	// swap it for a fake.
	newFetcher func(cred gh.Credential) syncer.Fetcher
}

func NewActivities(resolver *gh.TokenResolver, store ProjectionStore, starter WorkflowStarter, taskQueue string, fetchTimeout time.Duration, logger *slog.Logger) *Activities {
	return &Activities{
		resolver:  resolver,
		store:     store,
		starter:   starter,
		taskQueue: taskQueue,
		logger:    logger,
		newFetcher: func(cred gh.Credential) syncer.Fetcher {
			return gh.NewClient(cred, fetchTimeout, logger)
		},
	}
}

// EnsureRepository creates or refreshes the repository row the projection
// rows hang off. Idempotent, keyed by the external repository id.
func (a *Activities) EnsureRepository(ctx context.Context, req BootstrapRequest) (model.Repository, error) {
	return a.store.UpsertRepository(ctx, model.Repository{
		GithubRepoID:   req.GithubRepoID,
		Owner:          req.Owner,
		Name:           req.Name,
		InstallationID: req.InstallationID,
	})
}

// SyncResourceChunk runs one chunk: resolve the credential, build a client
// around it, then fetch and write up to the page budget.
func (a *Activities) SyncResourceChunk(ctx context.Context, req ChunkActivityRequest) (syncer.ChunkResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("running chunk", "resource", req.Chunk.Resource, "cursor", req.Chunk.Cursor)

	runner, err := a.runnerFor(ctx, req.Auth)
	if err != nil {
		return syncer.ChunkResult{}, err
	}
	return runner.RunChunk(ctx, req.Chunk)
}

// SyncCheckRunBatch fetches check runs for one batch of head SHAs.
func (a *Activities) SyncCheckRunBatch(ctx context.Context, req CheckRunActivityRequest) (syncer.ChunkResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("running check-run batch", "shas", len(req.Batch.HeadShas))

	runner, err := a.runnerFor(ctx, req.Auth)
	if err != nil {
		return syncer.ChunkResult{}, err
	}
	return runner.RunCheckRunBatch(ctx, req.Batch)
}

// ListCheckRunTargets reads the head SHAs check runs should be fetched for.
func (a *Activities) ListCheckRunTargets(ctx context.Context, repoID int64) ([]string, error) {
	return a.store.ListHeadShas(ctx, repoID)
}

// RefreshProjections rebuilds the search projections deferred during
// bootstrap.
func (a *Activities) RefreshProjections(ctx context.Context, repoID int64) error {
	return a.store.RefreshSearchProjections(ctx, repoID)
}

// SchedulePullRequestFileSyncs reads the open-PR set from the store and
// starts one detached SyncPullRequestFiles workflow per target. The
// deterministic workflow id makes re-running the stage idempotent: an
// already-running sync for the same PR is not duplicated.
func (a *Activities) SchedulePullRequestFileSyncs(ctx context.Context, req ScheduleRequest) (int, error) {
	logger := activity.GetLogger(ctx)

	targets, err := a.store.ListOpenPullRequestTargets(ctx, req.RepositoryID)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, t := range targets {
		opts := client.StartWorkflowOptions{
			ID:                    fmt.Sprintf("pr-files-%d-%d", req.RepositoryID, t.PullRequestNumber),
			TaskQueue:             a.taskQueue,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		}
		_, err := a.starter.ExecuteWorkflow(ctx, opts, SyncPullRequestFiles, FileSyncRequest{
			Owner:             req.Owner,
			Name:              req.Name,
			RepositoryID:      req.RepositoryID,
			PullRequestNumber: t.PullRequestNumber,
			HeadSha:           t.HeadSha,
			InstallationID:    req.InstallationID,
			LegacyUserID:      req.LegacyUserID,
		})
		if err != nil {
			return scheduled, fmt.Errorf("scheduling file sync for PR %d: %w", t.PullRequestNumber, err)
		}
		scheduled++
	}

	logger.Info("scheduled file syncs", "count", scheduled)
	return scheduled, nil
}

func (a *Activities) runnerFor(ctx context.Context, auth AuthRef) (*syncer.Runner, error) {
	cred, err := a.resolver.Resolve(ctx, auth.InstallationID, auth.LegacyUserID)
	if err != nil {
		var noCred *apperrors.ErrNoCredential
		if errors.As(err, &noCred) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), NoCredentialErrType, err)
		}
		return nil, err
	}
	return syncer.NewRunner(a.newFetcher(cred), a.store, a.logger), nil
}
