// Package rendezvous implements the one-shot mailbox that pairs an
// offering session with whoever accepts, cancels, or shuts down its
// offer. Grounded on the same channel-as-handoff shape the teacher uses
// to hand a matched room ID from the matchmaker goroutine to the
// notification worker (match.Service.RunMatchmaker -> matchChan), but
// scoped to a single offer instead of a shared queue.
package rendezvous

import "net"

// Kind distinguishes the two messages a Mailbox can ever deliver.
type Kind int

const (
	// Accepted means another session accepted the offer.
	Accepted Kind = iota
	// Cancelled means the offer was withdrawn (a `clean` under the owner's
	// name, including the implicit one when a session logged in under that
	// name drops its connection between commands, or admin `stop`).
	Cancelled
)

// Message is the single value a Mailbox ever carries.
type Message struct {
	Kind Kind

	// Populated only when Kind == Accepted.
	AccepterName     string
	AccepterClientID string
	AccepterConn     net.Conn
}

// Mailbox is a one-shot, single-producer/single-consumer channel: exactly
// one message is ever sent, and the offering session is the only
// receiver. It is implemented as a buffered channel of capacity 1 so the
// producer (whoever wins the state-guard race to send) never blocks.
type Mailbox chan Message

// New allocates a fresh, empty Mailbox.
func New() Mailbox {
	return make(Mailbox, 1)
}

// TrySendAccepted delivers an Accepted message without blocking. It
// returns false if the mailbox already holds a message, which cannot
// happen when callers follow the state-guard protocol (remove the Offer
// from state before sending) but is guarded against defensively.
func TrySendAccepted(mb Mailbox, name, clientID string, conn net.Conn) bool {
	select {
	case mb <- Message{Kind: Accepted, AccepterName: name, AccepterClientID: clientID, AccepterConn: conn}:
		return true
	default:
		return false
	}
}

// TrySendCancelled delivers a Cancelled message without blocking, with
// the same single-producer guarantee as TrySendAccepted.
func TrySendCancelled(mb Mailbox) bool {
	select {
	case mb <- Message{Kind: Cancelled}:
		return true
	default:
		return false
	}
}
