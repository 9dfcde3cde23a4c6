package httpapi

// Status is the outer envelope field every JSON response carries.
type Status string

const (
	// StatusOK is used for the health-check response.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the standard admin API response envelope.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newOKResponse() Response {
	return Response{Status: StatusOK}
}

func newSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func newErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
