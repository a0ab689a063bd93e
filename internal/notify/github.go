package notify

import (
	"context"
	"fmt"

	"github.com/google/go-github/v74/github"
)

// githubNotifier implements Notifier on the GitHub pull request API.
type githubNotifier struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubNotifier creates a Notifier for the given repository.
func NewGitHubNotifier(client *github.Client, owner, repo string) Notifier {
	return &githubNotifier{client: client, owner: owner, repo: repo}
}

// FindChangeRequest returns the merged pull request associated with the
// commit. A pull request whose merge commit is the commit itself wins over
// one that merely contains it.
func (n *githubNotifier) FindChangeRequest(ctx context.Context, commitSHA string) (*ChangeRequest, error) {
	prs, _, err := n.client.PullRequests.ListPullRequestsWithCommit(
		ctx, n.owner, n.repo, commitSHA, &github.ListOptions{PerPage: 50})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for commit %s: %w", commitSHA, err)
	}

	var fallback *ChangeRequest
	for _, pr := range prs {
		if pr.MergedAt == nil {
			continue
		}
		cr := &ChangeRequest{
			Number: pr.GetNumber(),
			Title:  pr.GetTitle(),
			Body:   pr.GetBody(),
		}
		if pr.GetMergeCommitSHA() == commitSHA {
			return cr, nil
		}
		if fallback == nil {
			fallback = cr
		}
	}
	return fallback, nil
}

// PostComment posts a comment on the pull request.
func (n *githubNotifier) PostComment(ctx context.Context, number int, body string) error {
	_, _, err := n.client.Issues.CreateComment(ctx, n.owner, n.repo, number,
		&github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("failed to comment on change request #%d: %w", number, err)
	}
	return nil
}
