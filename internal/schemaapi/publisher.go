package schemaapi

import (
	"context"

	"github.com/pgai-platform/gateway/internal/changedetect"
	"github.com/pgai-platform/gateway/internal/changehistory"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/fanout"
	"github.com/rs/zerolog"
)

// changePublisher persists a detected SchemaChange before fanning it out to
// subscribed sessions, satisfying internal/changedetect.Publisher.
type changePublisher struct {
	history *changehistory.Store
	hub     *fanout.Hub
	logger  zerolog.Logger
}

// NewChangePublisher builds the changedetect.Publisher the schema service's
// Detector is wired to: every detected change is recorded to history before
// being fanned out over the Hub.
func NewChangePublisher(history *changehistory.Store, hub *fanout.Hub, logger zerolog.Logger) changedetect.Publisher {
	return &changePublisher{history: history, hub: hub, logger: logger}
}

func (p *changePublisher) PublishSchemaChange(change domain.SchemaChange) {
	if err := p.history.RecordChanges(context.Background(), []domain.SchemaChange{change}); err != nil {
		p.logger.Warn().Err(err).Str("connection_id", change.ConnectionID).Msg("failed to persist detected schema change")
	}
	p.hub.PublishSchemaChange(change)
}
