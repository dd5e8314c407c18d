package models

import "time"

// PresenceStatus is a user's coarse presence state. Non-goal: presence
// semantics beyond online/offline/away.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the only record the lifecycle/presence engine writes.
type Presence struct {
	UserID   string
	Status   PresenceStatus
	LastSeen time.Time
}
