package rest

// ErrorResponse is the JSON shape for all API error bodies.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
