package rpc

import "lsmrepl/pkg/types"

const (
	// AuthHeader carries the shared secret on every control request.
	AuthHeader = "AuthKey"

	RegisterPath = "/session/register"
	DownloadPath = "/dump/download"
	// KVPath prefixes the key routes, /kv/{key}.
	KVPath = "/kv"

	// ProtocolVersion is reported in every registration response.
	ProtocolVersion = "1"
)

type RegisterRequest struct {
	LastSequenceNumber types.SequenceNumber `json:"lastSequenceNumber"`
}

type Info struct {
	Version string `json:"version"`
}

type RegisterResponse struct {
	Success    bool   `json:"success"`
	SessionKey string `json:"sessionKey,omitempty"`
	Error      string `json:"error,omitempty"`
	Info       Info   `json:"info"`
}

// KVResponse is the body of a key read.
type KVResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Value  string `json:"value,omitempty"`
}
