package domain

// EdgeAddress is one relay endpoint returned by edge selection.
type EdgeAddress struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Credential  string `json:"credential,omitempty"`
	Ticket      string `json:"ticket,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// RelayRole names a logical relay service of the edge allocation API.
type RelayRole int

const (
	RoleGateway RelayRole = iota
	RoleCloudProxy
	RoleCloudProxy5
	RoleCloudProxyFallback
)

type relayRoleInfo struct {
	name      string
	serviceID int
	flag      int
}

// Requests address a role by service id, responses tag buffers with a flag.
var relayRoles = map[RelayRole]relayRoleInfo{
	RoleGateway:            {name: "gateway", serviceID: 11, flag: 4096},
	RoleCloudProxy:         {name: "cloud_proxy", serviceID: 18, flag: 1048576},
	RoleCloudProxy5:        {name: "cloud_proxy_5", serviceID: 20, flag: 4194304},
	RoleCloudProxyFallback: {name: "turn_fallback", serviceID: 26, flag: 4194310},
}

func (r RelayRole) String() string {
	if info, ok := relayRoles[r]; ok {
		return info.name
	}
	return "unknown"
}

func (r RelayRole) ServiceID() int { return relayRoles[r].serviceID }

func (r RelayRole) Flag() int { return relayRoles[r].flag }

// RoleForFlag maps a response buffer flag back to its role.
func RoleForFlag(flag int) (RelayRole, bool) {
	for role, info := range relayRoles {
		if info.flag == flag {
			return role, true
		}
	}
	return 0, false
}

// DefaultRelayRoles is the gateway plus TURN fallback pair requested per session.
func DefaultRelayRoles() []RelayRole {
	return []RelayRole{RoleGateway, RoleCloudProxyFallback}
}
