package audit

import "testing"

func TestParseFullMethod(t *testing.T) {
	cases := []struct {
		method           string
		action, resource string
	}{
		{"/identity.v1.DeviceService/ListDevices", "list", "device"},
		{"/identity.v1.DeviceService/RevokeDevice", "revoke", "device"},
		{"/identity.v1.DeviceService/GetDevice", "get", "device"},
		{"/identity.v1.RoleService/CreateRole", "create", "role"},
		{"/identity.v1.RoleService/UpdateRole", "update", "role"},
		{"/identity.v1.RoleService/DeleteRole", "delete", "role"},
		{"/identity.v1.AuthService/Authenticate", "login", "session"},
		{"/identity.v1.AuthService/Rotate", "rotate", "session"},
		{"/identity.v1.AuthService/Logout", "logout", "session"},
		{"/identity.v1.AuthService/LogoutEverywhere", "logout_everywhere", "session"},
		{"/identity.v1.AuthService/Register", "register", "identity"},
		{"/identity.v1.AuthService/Authorize", "authorize", "auth"},
		{"/identity.v1.AuthService/Ping", "ping", "auth"},
		{"/NoPackage/Method", "method", "unknown"},
		{"no-slash", "unknown", "unknown"},
		{"/pkg.Service/Get", "get", "unknown"},
	}
	for _, tc := range cases {
		ar := ParseFullMethod(tc.method)
		if ar.Action != tc.action || ar.Resource != tc.resource {
			t.Errorf("ParseFullMethod(%q) = %+v, want %s/%s", tc.method, ar, tc.action, tc.resource)
		}
	}
}
