// Package models holds the wire types of the line protocol.
package models

// Query type constants.
const (
	TypeUseSpace    = "USE_SPACE"
	TypeCreateSpace = "CREATE_SPACE"
	TypeDeleteSpace = "DELETE_SPACE"
	TypeListSpaces  = "LIST_SPACES"

	TypeUpsertVector = "UPSERT_VECTOR"
	TypeDeleteVector = "DELETE_VECTOR"
	TypeGetVector    = "GET_VECTOR"
	TypeSearchTopK   = "SEARCH_TOPK"

	TypeRecordInteraction = "RECORD_INTERACTION"
	TypeRecommend         = "RECOMMEND"

	TypeStatus = "STATUS"

	TypeGetUser            = "GET_USER"
	TypeCreateUser         = "CREATE_USER"
	TypeDeleteUser         = "DELETE_USER"
	TypeUpdateUserPassword = "UPDATE_USER_PASSWORD"
)

// Query is one request line. Fields are populated per query type; unused
// fields are omitted on the wire.
type Query struct {
	Type  string `json:"type"`
	Space string `json:"space,omitempty"`

	// Vector operations.
	ID       string         `json:"id,omitempty"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	K        int            `json:"k,omitempty"`
	Exclude  []string       `json:"exclude,omitempty"`

	// Space creation.
	Dimension int    `json:"dimension,omitempty"`
	Metric    string `json:"metric,omitempty"`
	Planes    int    `json:"planes,omitempty"`

	// Interactions and recommendations. UserID names the subject of the
	// interaction history, which is unrelated to the authenticated caller.
	UserID string  `json:"user_id,omitempty"`
	Weight float64 `json:"weight,omitempty"`
	Limit  int     `json:"limit,omitempty"`

	// User management and free-form arguments.
	Data    string `json:"data,omitempty"`
	NewUser *User  `json:"new_user,omitempty"`

	// User is the authenticated caller; the server fills it in after login
	// and ignores any client-supplied value.
	User string `json:"user,omitempty"`
}

// Response is one reply line.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}
