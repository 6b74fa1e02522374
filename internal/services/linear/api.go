package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

const defaultAPIURL = "https://api.linear.app/graphql"

const activityCreateMutation = `
mutation AgentActivityCreate($input: AgentActivityCreateInput!) {
    agentActivityCreate(input: $input) {
        success
        agentActivity { id }
    }
}`

const sessionUpdateMutation = `
mutation AgentSessionUpdate($agentSessionId: String!, $data: AgentSessionUpdateInput!) {
    agentSessionUpdate(id: $agentSessionId, input: $data) {
        success
    }
}`

const teamStartedStatesQuery = `
query TeamStartedStatuses($teamId: String!) {
    team(id: $teamId) {
        states(filter: { type: { eq: "started" } }) {
            nodes { id name position }
        }
    }
}`

const issueUpdateMutation = `
mutation IssueUpdate($issueId: String!, $stateId: String!) {
    issueUpdate(id: $issueId, input: { stateId: $stateId }) {
        success
    }
}`

// ActivityInput describes one agent activity to create. Type is Linear's
// vocabulary: thought, action, elicitation, response, error.
type ActivityInput struct {
	Type      string
	Body      string
	Action    string
	Parameter string
	Result    string
	Ephemeral bool
	Signal    string
}

// APIClient talks to the Linear GraphQL API.
type APIClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewAPIClient creates a GraphQL client authenticated with an access token.
func NewAPIClient(token string, log *logger.Logger) *APIClient {
	if log == nil {
		log = logger.Default()
	}
	return &APIClient{
		token:      token,
		baseURL:    defaultAPIURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// CreateActivity posts an agent activity to a session.
func (c *APIClient) CreateActivity(ctx context.Context, sessionID string, activity ActivityInput) error {
	content := map[string]interface{}{"type": activity.Type}
	if activity.Type == "action" {
		if activity.Action != "" {
			content["action"] = activity.Action
		}
		content["parameter"] = activity.Parameter
		if activity.Result != "" {
			content["result"] = activity.Result
		}
	} else if activity.Body != "" {
		content["body"] = activity.Body
	}

	input := map[string]interface{}{
		"agentSessionId": sessionID,
		"content":        content,
	}
	// Only thoughts and actions may be ephemeral.
	if activity.Ephemeral && (activity.Type == "thought" || activity.Type == "action") {
		input["ephemeral"] = true
	}
	if activity.Signal != "" {
		input["signal"] = activity.Signal
	}

	return c.graphql(ctx, activityCreateMutation, map[string]interface{}{"input": input}, nil)
}

// UpdateSessionPlan replaces the session's plan.
func (c *APIClient) UpdateSessionPlan(ctx context.Context, sessionID string, steps []PlanStep) error {
	return c.graphql(ctx, sessionUpdateMutation, map[string]interface{}{
		"agentSessionId": sessionID,
		"data":           map[string]interface{}{"plan": steps},
	}, nil)
}

// UpdateSessionURLs attaches external links (e.g. the opened PR) to a
// session.
func (c *APIClient) UpdateSessionURLs(ctx context.Context, sessionID string, urls []map[string]string) error {
	return c.graphql(ctx, sessionUpdateMutation, map[string]interface{}{
		"agentSessionId": sessionID,
		"data":           map[string]interface{}{"externalUrls": urls},
	}, nil)
}

// StartedState returns the id of the team's first "started" workflow state,
// or empty when the team has none.
func (c *APIClient) StartedState(ctx context.Context, teamID string) (string, error) {
	var data struct {
		Team struct {
			States struct {
				Nodes []struct {
					ID       string  `json:"id"`
					Name     string  `json:"name"`
					Position float64 `json:"position"`
				} `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.graphql(ctx, teamStartedStatesQuery, map[string]interface{}{"teamId": teamID}, &data); err != nil {
		return "", err
	}

	nodes := data.Team.States.Nodes
	if len(nodes) == 0 {
		return "", nil
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Position < best.Position {
			best = n
		}
	}
	return best.ID, nil
}

// UpdateIssueState moves an issue to a workflow state.
func (c *APIClient) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	return c.graphql(ctx, issueUpdateMutation, map[string]interface{}{
		"issueId": issueID,
		"stateId": stateID,
	}, nil)
}

func (c *APIClient) graphql(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	payload := map[string]interface{}{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("linear graphql request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("linear API returned %d: %s", resp.StatusCode, string(raw))
	}

	var result struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql errors: %s", result.Errors[0].Message)
	}
	if out != nil {
		return json.Unmarshal(result.Data, out)
	}
	return nil
}
