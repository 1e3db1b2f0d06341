package models

// User is a server account. Password holds the bcrypt hash at rest and the
// plaintext only inside create/update requests.
type User struct {
	Username    string            `json:"username"`
	Password    string            `json:"password,omitempty"`
	Role        string            `json:"role"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

// LoginRequest is the first line a client sends on a new connection.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
