package bridge

import (
	"context"

	"github.com/gin-gonic/gin"
)

// ServiceAdapter is the contract each external service implements. Webhook
// adapters register routes and feed the manager from their handlers; socket
// adapters do their ingress inside Start and leave RegisterRoutes a no-op.
type ServiceAdapter interface {
	// ServiceName identifies the adapter: "<service>" for the default
	// agent, "<service>:<agent>" otherwise. Persisted sessions are matched
	// back to adapters by this name.
	ServiceName() string

	// RegisterRoutes mounts the adapter's webhook endpoints.
	RegisterRoutes(router *gin.Engine)

	// Start runs background ingress (socket connections, pollers) until the
	// context is cancelled. Webhook-only adapters return immediately.
	Start(ctx context.Context) error

	// Close releases API clients and connections.
	Close(ctx context.Context) error

	// SendUpdate delivers an in-progress update to the external service.
	SendUpdate(ctx context.Context, externalSessionID string, update BridgeUpdate) error

	// SendCompletion signals the agent finished its turn.
	SendCompletion(ctx context.Context, externalSessionID, message string) error

	// SendError surfaces a failure to the external service.
	SendError(ctx context.Context, externalSessionID, errMsg string) error
}
