package repository

import (
	"context"

	"chat-relay/internal/domain"
)

// Noop discards relay records. It is used when no table is configured.
type Noop struct{}

func (Noop) SaveRelay(context.Context, domain.RelayRecord) error { return nil }
