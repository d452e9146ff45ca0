/**
 * @description
 * Event payloads published to RabbitMQ so that other processes (and the
 * in-process feed) observe every ticket write. The payload carries the full
 * ticket snapshot; consumers never have to re-read the store to render state.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import "time"

// TicketStatusEvent is published on every persisted ticket transition.
// Routing key: ticket.status.<status>.
type TicketStatusEvent struct {
	TicketID  string       `json:"ticket_id"`
	Status    TicketStatus `json:"status"`
	Ticket    Ticket       `json:"ticket"`
	Source    string       `json:"source,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
