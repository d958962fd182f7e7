package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/models"
)

// Event type names published on the control channels.
const (
	TypeBudgetAlert     = "budget.alert"
	TypeBreakerTripped  = "breaker.tripped"
	TypeBreakerClosed   = "breaker.closed"
	TypeRegistryReload  = "registry.reloaded"
	TypeRegistryFailure = "registry.reload_failed"
	TypeStreamEvent     = "stream.event"
)

// BudgetAlertPayload mirrors one ledger threshold crossing.
type BudgetAlertPayload struct {
	Scope       string          `json:"scope"`
	Level       string          `json:"level"`
	Window      string          `json:"window"`
	SpentUSD    decimal.Decimal `json:"spent_usd"`
	LimitUSD    decimal.Decimal `json:"limit_usd"`
	Utilization float64         `json:"utilization"`
}

// BreakerPayload describes a circuit state transition.
type BreakerPayload struct {
	Scope  string `json:"scope"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// RegistryPayload describes a definitions reload.
type RegistryPayload struct {
	Agents   int       `json:"agents"`
	Error    string    `json:"error,omitempty"`
	ScanTime time.Time `json:"scan_time"`
}

// PublishStream publishes one conversation stream event.
func (b *Bus) PublishStream(ev models.StreamEvent) {
	b.Publish(Event{
		Channel: ConversationChannel(ev.ConvID),
		Type:    TypeStreamEvent,
		Payload: ev,
	})
}
