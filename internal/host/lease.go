package host

import "time"

// Lease suppresses host re-election until ExpiresAt. It replaces the
// preservation-window flags: while a lease is active the resolver keeps
// OwnerID as host and does not re-evaluate.
type Lease struct {
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func NewLease(owner string, now time.Time, window time.Duration) Lease {
	return Lease{OwnerID: owner, ExpiresAt: now.Add(window)}
}

func (l Lease) Active(now time.Time) bool {
	return l.OwnerID != "" && now.Before(l.ExpiresAt)
}

// Extend keeps the later expiry when the owner matches and otherwise
// replaces the lease.
func (l Lease) Extend(next Lease) Lease {
	if l.OwnerID == next.OwnerID && l.ExpiresAt.After(next.ExpiresAt) {
		return l
	}
	return next
}
