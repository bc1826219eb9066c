// Package telemetry fans typed simulation events out to pluggable sinks.
// The simulator and ledger stay pure; the market runner observes each fill,
// rejection, and cash move and forwards it here, so logging, the event bus,
// and the status API never touch the trading hot path.
//
// Sink methods deliberately return no error: telemetry must never fail or
// slow a trade. Sinks handle their own delivery problems and log them.
package telemetry

import (
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// EventType discriminates envelope payloads on the wire.
type EventType string

const (
	EventFill          EventType = "fill"
	EventRejection     EventType = "rejection"
	EventReserveDenied EventType = "reserve_denied"
	EventCashMove      EventType = "cash_move"
	EventStats         EventType = "stats"
	EventPosition      EventType = "position"
	EventSignal        EventType = "signal"
	EventAlert         EventType = "alert"
)

// Severity classifies alerts for routing; critical alerts additionally go
// through the notifier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Cash move kinds.
const (
	CashDebit  = "debit"
	CashCredit = "credit"
	CashPayout = "payout"
)

// CashMove records one capital pool mutation.
type CashMove struct {
	MarketID string
	Kind     string // CashDebit, CashCredit, or CashPayout
	Amount   float64
	Balance  float64 // pool balance after the move
}

// ReserveDenial records a trade the capital guard refused before the
// simulator ran.
type ReserveDenial struct {
	MarketID string
	Side     domain.Side
	Price    float64
	Qty      float64
	Reason   string
}

// SignalNote records a strategy or quant-engine decision worth surfacing.
type SignalNote struct {
	MarketID string
	Source   string // strategy or detector name
	Signal   string
	ZScore   float64
	DeltaPct float64
	Reason   string
}

// Alert is a human-directed notice: risk events, feed loss, insolvency
// averted.
type Alert struct {
	Severity Severity
	Title    string
	Message  string
}

// Envelope is the serialized form published on the event bus and replayed
// by the in-memory ring for the status API. Payload is one of the wire DTOs
// in wire.go, chosen by Type.
type Envelope struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	MarketID string    `json:"market_id,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}
