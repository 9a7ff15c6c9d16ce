package contracts

// Status is the delivery lifecycle state of a message
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusPending,
	StatusDelivered,
	StatusAcknowledged,
	StatusFailed,
	StatusExpired,
}

// rank orders statuses; transitions only ever increase it.
// Acknowledgment outranks failure and expiry because it is direct
// evidence from the recipient.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusFailed, StatusExpired:
		return 2
	case StatusAcknowledged:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether retry and expiry logic must skip the message
func (s Status) IsTerminal() bool {
	return s.rank() >= 2
}

// IsInFlight reports whether the message can still expire
func (s Status) IsInFlight() bool {
	return s == StatusPending || s == StatusDelivered
}

// CanTransitionTo reports whether moving from s to next is a forward step
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}
