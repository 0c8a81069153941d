package model

import "encoding/json"

// Envelope is the request body posted to the remote submission endpoint.
// It is serialized once at submission time and never regenerated, so that
// retries and replays always send identical bytes.
type Envelope struct {
	ClientID   string          `json:"clientId"`
	DeviceID   string          `json:"deviceId"`
	EntityType EntityType      `json:"entityType"`
	CreatedAt  string          `json:"createdAt"` // RFC 3339 UTC
	Payload    json.RawMessage `json:"payload"`
}

// Ack is the remote endpoint's acknowledgment. The remote echoes the client
// identifier and returns the identifier it assigned. Duplicate is set when
// the server recognized the client identifier as already processed; callers
// treat that exactly like a fresh success.
type Ack struct {
	ClientID  string `json:"clientId"`
	RemoteID  string `json:"remoteId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
