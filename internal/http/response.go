package http

import "lsmrepl/pkg/rpc"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the generic envelope for endpoints other than registration.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Value  string `json:"value,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusOK, Value: value}
}

func NewRegisterSuccess(key string) rpc.RegisterResponse {
	return rpc.RegisterResponse{
		Success:    true,
		SessionKey: key,
		Info:       rpc.Info{Version: rpc.ProtocolVersion},
	}
}

func NewRegisterFailure(err string) rpc.RegisterResponse {
	return rpc.RegisterResponse{
		Success: false,
		Error:   err,
		Info:    rpc.Info{Version: rpc.ProtocolVersion},
	}
}
