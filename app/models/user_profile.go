package models

import "time"

// UserProfile holds the derived entitlement snapshot attached to the identity
// record. It is a read-optimized projection of Subscription and is never
// written except through the reconciliation path; any divergence is repaired
// on the next settle or replay.
type UserProfile struct {
	ID                  string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Pro                 bool       `gorm:"default:false;index" json:"pro"`
	MembershipExpiresAt *time.Time `gorm:"default:null" json:"membership_expires_at,omitempty"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasActiveMembership reports whether the snapshot grants membership at t.
func (u *UserProfile) HasActiveMembership(t time.Time) bool {
	return u.Pro && u.MembershipExpiresAt != nil && u.MembershipExpiresAt.After(t)
}
