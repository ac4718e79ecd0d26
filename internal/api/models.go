package api

// Request and response bodies for the v1 API. Windows and delays are whole
// seconds on the wire.

type checkRequest struct {
	Key    string `json:"key"`
	Limit  int64  `json:"limit"`
	Window int64  `json:"window"`
	Cost   int64  `json:"cost"`
}

type checkResponse struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int64  `json:"remaining"`
	ResetIn    int64  `json:"reset_in"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

type summaryRequest struct {
	UserID string `json:"user_id"`
}

type summaryResponse struct {
	UserID        string   `json:"user_id"`
	KeysCount     int      `json:"keys_count"`
	TotalRequests int64    `json:"total_requests"`
	DataTypes     []string `json:"data_types"`
}

type deleteRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type deleteResponse struct {
	Success     bool   `json:"success"`
	DeletedKeys int    `json:"deleted_keys"`
	Message     string `json:"message"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
