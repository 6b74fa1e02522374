package github

// User is the author of an issue or comment.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"` // "User" or "Bot"
}

// Repository identifies the repo a webhook refers to.
type Repository struct {
	FullName string `json:"full_name"` // "owner/name"
}

// Installation carries the App installation scoping the event.
type Installation struct {
	ID int64 `json:"id"`
}

// Issue is an issue or the issue-half of a pull request.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// PullRequest is the PR attached to review comment events.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// IssueComment is a comment on an issue or PR conversation.
type IssueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// ReviewComment is a comment on a PR diff.
type ReviewComment struct {
	ID       int64  `json:"id"`
	Body     string `json:"body"`
	User     User   `json:"user"`
	Path     string `json:"path"`
	DiffHunk string `json:"diff_hunk"`
	Line     int    `json:"line"`
}

// IssuesPayload is the "issues" webhook event body.
type IssuesPayload struct {
	Action       string        `json:"action"`
	Issue        Issue         `json:"issue"`
	Repository   Repository    `json:"repository"`
	Sender       User          `json:"sender"`
	Installation *Installation `json:"installation"`
}

// IssueCommentPayload is the "issue_comment" webhook event body.
type IssueCommentPayload struct {
	Action       string        `json:"action"`
	Issue        Issue         `json:"issue"`
	Comment      IssueComment  `json:"comment"`
	Repository   Repository    `json:"repository"`
	Installation *Installation `json:"installation"`
}

// ReviewCommentPayload is the "pull_request_review_comment" event body.
type ReviewCommentPayload struct {
	Action       string        `json:"action"`
	PullRequest  PullRequest   `json:"pull_request"`
	Comment      ReviewComment `json:"comment"`
	Repository   Repository    `json:"repository"`
	Installation *Installation `json:"installation"`
}
