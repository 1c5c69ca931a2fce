package interfaces

import (
	"context"

	"github.com/ternarybob/juris/internal/models"
)

// LogSink receives progress messages from a running script
type LogSink func(level models.LogLevel, message string, fields map[string]interface{})

// ScriptRunner executes one scrape attempt against one target.
// Implementations must honour ctx cancellation as a hard stop.
type ScriptRunner interface {
	Run(ctx context.Context, req models.ScriptRequest, sink LogSink) (*models.ScrapeResult, error)
}

// CredentialStore resolves login details for a tribunal.
// A nil result with nil error means no credentials are configured.
type CredentialStore interface {
	Lookup(ctx context.Context, tribunal string) (*models.Credentials, error)
}
