// internal/transform/transform.go

// Package transform maps external wire records into projection rows. The
// functions are pure apart from registering embedded account references
// with the caller's UserCollector.
package transform

import (
	"github-mirror/internal/gh"
	"github-mirror/internal/model"
)

func Branch(repoID int64, rec gh.BranchRecord) model.Branch {
	return model.Branch{
		RepositoryID: repoID,
		Name:         rec.Name,
		HeadSha:      rec.Commit.Sha,
		Protected:    rec.Protected,
	}
}

func PullRequest(repoID int64, rec gh.PullRequestRecord, users *UserCollector) model.PullRequest {
	return model.PullRequest{
		RepositoryID:    repoID,
		GithubPrID:      rec.ID,
		Number:          rec.Number,
		Title:           rec.Title,
		Body:            rec.Body,
		State:           rec.State,
		Draft:           rec.Draft,
		Merged:          rec.MergedAt != nil,
		AuthorID:        users.Collect(rec.User),
		Labels:          gh.LabelNames(rec.Labels),
		HeadRef:         rec.Head.Ref,
		HeadSha:         rec.Head.Sha,
		BaseRef:         rec.Base.Ref,
		GithubCreatedAt: rec.CreatedAt,
		GithubUpdatedAt: rec.UpdatedAt,
		MergedAt:        rec.MergedAt,
		ClosedAt:        rec.ClosedAt,
	}
}

// Issue maps an issue record. It returns false for the issue shadow GitHub
// emits for every pull request; those are already covered by the pull
// request sync.
func Issue(repoID int64, rec gh.IssueRecord, users *UserCollector) (model.Issue, bool) {
	if len(rec.PullRequest) > 0 {
		return model.Issue{}, false
	}
	var assigneeIDs []int64
	for i := range rec.Assignees {
		if id := users.Collect(&rec.Assignees[i]); id != nil {
			assigneeIDs = append(assigneeIDs, *id)
		}
	}
	return model.Issue{
		RepositoryID:    repoID,
		GithubIssueID:   rec.ID,
		Number:          rec.Number,
		Title:           rec.Title,
		Body:            rec.Body,
		State:           rec.State,
		AuthorID:        users.Collect(rec.User),
		AssigneeIDs:     assigneeIDs,
		Labels:          gh.LabelNames(rec.Labels),
		CommentCount:    rec.Comments,
		GithubCreatedAt: rec.CreatedAt,
		GithubUpdatedAt: rec.UpdatedAt,
		ClosedAt:        rec.ClosedAt,
	}, true
}

func Commit(repoID int64, rec gh.CommitRecord, users *UserCollector) model.Commit {
	return model.Commit{
		RepositoryID: repoID,
		Sha:          rec.Sha,
		Message:      rec.Commit.Message,
		AuthorID:     users.Collect(rec.Author),
		AuthorName:   rec.Commit.Author.Name,
		AuthorEmail:  rec.Commit.Author.Email,
		CommittedAt:  rec.Commit.Author.Date,
	}
}

func CheckRun(repoID int64, rec gh.CheckRunRecord) model.CheckRun {
	return model.CheckRun{
		RepositoryID:     repoID,
		GithubCheckRunID: rec.ID,
		HeadSha:          rec.HeadSha,
		Name:             rec.Name,
		Status:           rec.Status,
		Conclusion:       rec.Conclusion,
		DetailsURL:       rec.DetailsURL,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
	}
}

func WorkflowRun(repoID int64, rec gh.WorkflowRunRecord, users *UserCollector) model.WorkflowRun {
	return model.WorkflowRun{
		RepositoryID:    repoID,
		GithubRunID:     rec.ID,
		WorkflowID:      rec.WorkflowID,
		Name:            rec.Name,
		HeadBranch:      rec.HeadBranch,
		HeadSha:         rec.HeadSha,
		RunNumber:       rec.RunNumber,
		Event:           rec.Event,
		Status:          rec.Status,
		Conclusion:      rec.Conclusion,
		ActorID:         users.Collect(rec.Actor),
		GithubCreatedAt: rec.CreatedAt,
		GithubUpdatedAt: rec.UpdatedAt,
	}
}

func WorkflowJob(repoID int64, rec gh.WorkflowJobRecord) model.WorkflowJob {
	return model.WorkflowJob{
		RepositoryID: repoID,
		GithubJobID:  rec.ID,
		GithubRunID:  rec.RunID,
		Name:         rec.Name,
		Status:       rec.Status,
		Conclusion:   rec.Conclusion,
		RunnerName:   rec.RunnerName,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
}

func PullRequestFile(repoID int64, number int, rec gh.PullRequestFileRecord) model.PullRequestFile {
	return model.PullRequestFile{
		RepositoryID:      repoID,
		PullRequestNumber: number,
		Filename:          rec.Filename,
		Status:            rec.Status,
		Additions:         rec.Additions,
		Deletions:         rec.Deletions,
		PreviousFilename:  rec.PreviousFilename,
		Patch:             rec.Patch,
	}
}
