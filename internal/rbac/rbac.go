package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleWriter Role = "writer"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Can reports whether role may perform action. Writers may edit lines and
// session metadata; deleting a whole session is reserved to admins.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleWriter:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleWriter, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
