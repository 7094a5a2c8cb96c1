package rbac

// Permissions checked by the transport layer. Roles grant them directly or through a
// wildcard such as "devices:*" or "*".
const (
	PermIdentitiesCreate = "identities:create"
	PermIdentitiesLogout = "identities:logout"
	PermDevicesRead      = "devices:read"
	PermDevicesRevoke    = "devices:revoke"
)
