package delivery

import "github.com/streamspace/relaycore/internal/models"

// action names the RBAC matrix's columns.
type action string

const (
	actionSendMessage    action = "send_message"
	actionUpdateMeta     action = "update_meta"
	actionAddMembers     action = "add_members"
	actionRemoveMember   action = "remove_member"
	actionRemoveAdmin    action = "remove_admin_or_owner"
	actionSetRole        action = "set_role"
	actionPromoteToOwner action = "promote_to_owner"
	actionDeleteRoom     action = "delete_room"
)

// allowed implements the RBAC matrix from the room fan-out component design.
func allowed(role models.Role, a action) bool {
	switch a {
	case actionSendMessage:
		return true // OWNER, ADMIN, MEMBER all may send
	case actionUpdateMeta, actionAddMembers, actionRemoveMember:
		return role == models.RoleOwner || role == models.RoleAdmin
	case actionRemoveAdmin:
		return role == models.RoleOwner
	case actionSetRole:
		return role == models.RoleOwner || role == models.RoleAdmin
	case actionPromoteToOwner, actionDeleteRoom:
		return role == models.RoleOwner
	default:
		return false
	}
}
