package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

// Comment is the subset of the GitHub comment payload the bridge uses.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"user"`
}

// APIClient talks to the GitHub REST API with per-installation tokens.
type APIClient struct {
	auth       *AppAuth
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewAPIClient creates a REST client backed by App installation tokens.
func NewAPIClient(auth *AppAuth, log *logger.Logger) *APIClient {
	return &APIClient{
		auth:       auth,
		baseURL:    auth.baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// CreateComment posts a comment on an issue or pull request.
func (c *APIClient) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string, installationID int64) (*Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, issueNumber)
	var comment Comment
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"body": body}, installationID, &comment); err != nil {
		return nil, fmt.Errorf("create comment on #%d: %w", issueNumber, err)
	}
	return &comment, nil
}

// UpdateComment replaces the body of an existing issue comment.
func (c *APIClient) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string, installationID int64) (*Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	var comment Comment
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]string{"body": body}, installationID, &comment); err != nil {
		return nil, fmt.Errorf("update comment %d: %w", commentID, err)
	}
	return &comment, nil
}

// CreateReviewCommentReply replies to a PR review comment thread.
func (c *APIClient) CreateReviewCommentReply(ctx context.Context, owner, repo string, pullNumber int, commentID int64, body string, installationID int64) (*Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments/%d/replies", owner, repo, pullNumber, commentID)
	var comment Comment
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"body": body}, installationID, &comment); err != nil {
		return nil, fmt.Errorf("reply to review comment %d: %w", commentID, err)
	}
	return &comment, nil
}

// UpdateReviewComment replaces the body of a PR review comment.
func (c *APIClient) UpdateReviewComment(ctx context.Context, owner, repo string, commentID int64, body string, installationID int64) (*Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/comments/%d", owner, repo, commentID)
	var comment Comment
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]string{"body": body}, installationID, &comment); err != nil {
		return nil, fmt.Errorf("update review comment %d: %w", commentID, err)
	}
	return &comment, nil
}

// CreateCommentReaction adds an emoji reaction to an issue or review
// comment. Failures are logged, not returned: a missing reaction never
// blocks a session.
func (c *APIClient) CreateCommentReaction(ctx context.Context, owner, repo string, commentID int64, reaction string, installationID int64, isReviewComment bool) {
	var endpoint string
	if isReviewComment {
		endpoint = fmt.Sprintf("/repos/%s/%s/pulls/comments/%d/reactions", owner, repo, commentID)
	} else {
		endpoint = fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	}
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"content": reaction}, installationID, nil); err != nil {
		c.log.Warn("Failed to add comment reaction",
			zap.Int64("comment_id", commentID),
			zap.String("reaction", reaction),
			zap.Error(err))
	}
}

// CreateIssueReaction adds an emoji reaction to an issue itself.
func (c *APIClient) CreateIssueReaction(ctx context.Context, owner, repo string, issueNumber int, reaction string, installationID int64) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/reactions", owner, repo, issueNumber)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"content": reaction}, installationID, nil); err != nil {
		c.log.Warn("Failed to add issue reaction",
			zap.Int("issue", issueNumber),
			zap.String("reaction", reaction),
			zap.Error(err))
	}
}

// ListIssueComments lists comments on an issue or PR.
func (c *APIClient) ListIssueComments(ctx context.Context, owner, repo string, issueNumber int, installationID int64) ([]Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, issueNumber)
	var comments []Comment
	if err := c.do(ctx, http.MethodGet, endpoint, nil, installationID, &comments); err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", issueNumber, err)
	}
	return comments, nil
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, payload interface{}, installationID int64, result interface{}) error {
	token, err := c.auth.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
