package scheduler

import (
	"context"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
)

// Status is a worker's per-recipient disposition.
type Status int

const (
	Delivered Status = iota
	Keep
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Keep:
		return "keep"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flags modify how a delivery request should be handled.
type Flags uint8

const (
	FlagRetainDSN Flags = 1 << iota
)

// Recipient is a scheduler-owned view of one recipient still pending
// delivery: the queue-file offset lets the scheduler overwrite its record
// in place once it reaches a terminal status.
type Recipient = cleanup.Recipient

// DeliveryRequest is the scheduler's work unit handed to an Agent: a batch
// of recipients for one queue file going to one nexthop.
type DeliveryRequest struct {
	QueueID    string
	Sender     string
	Nexthop    string
	Transport  string
	Recipients []Recipient
	Size       int64
	Flags      Flags
}

// RecipientResult is a worker's reply for one recipient, matched back to
// its request entry by Offset.
type RecipientResult struct {
	Offset     int64
	Status     Status
	Diagnostic string
	Enhanced   string
}

// DeliveryReport is an Agent's full reply to one DeliveryRequest.
type DeliveryReport struct {
	Results []RecipientResult
}

// Agent delivers a batch of recipients to one nexthop and reports their
// per-recipient disposition. Concrete agents (the SMTP/LMTP client, the
// pipe transport) are pluggable implementations of this single interface.
type Agent interface {
	Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryReport, error)
}

// Resolver maps a recipient address to a nexthop and transport name. It is
// the scheduler's only dependency on address/routing policy.
type Resolver interface {
	Resolve(recipient string) (nexthop, transport string, err error)
}

// Notifier is the scheduler's hook into the bounce/defer notifier.
// RecordFailure appends one recipient's failure to the per-file defer log;
// Finalize is called once a queue file has no pending recipients left and
// at least one failure was recorded, and is responsible for composing and
// injecting the actual DSN. NotifyDelayWarning fires once per file when it
// has lingered past the warn threshold.
type Notifier interface {
	RecordFailure(queueID, sender, recipient, diagnostic, enhanced string) error
	Finalize(queueID, sender string) error
	NotifyDelayWarning(queueID, sender string, pending []Recipient, until time.Time) error
}
