package models

// Capabilities is the immutable context attached to a socket at connect or
// rehydration time. It is never reused across reconnects — always rebuilt
// from authenticated inputs.
type Capabilities struct {
	UserID string
	Role   string
	Admin  bool

	// CanSendMessage, CanManageRoom, CanDeleteRoom mirror the RBAC matrix,
	// pre-resolved from Role at connect time so the safety gate and
	// handlers never have to re-derive them.
	CanSendMessage bool
	CanManageRoom  bool
	CanDeleteRoom  bool
}

// DefaultCapabilities derives capabilities from a role. "admin" carries
// every capability; "user" carries the baseline a normal chat participant
// needs. Room-level RBAC (OWNER/ADMIN/MEMBER) is enforced separately per
// room membership — these are connection-level, not room-level.
func DefaultCapabilities(userID, role string) Capabilities {
	admin := role == "admin"
	return Capabilities{
		UserID:         userID,
		Role:           role,
		Admin:          admin,
		CanSendMessage: true,
		CanManageRoom:  admin,
		CanDeleteRoom:  admin,
	}
}
