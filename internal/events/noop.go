package events

import "github.com/smartpay/wallet-ledger/internal/interfaces"

// NoopPublisher drops events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(topic string, event any) error { return nil }

var _ interfaces.EventPublisher = NoopPublisher{}
