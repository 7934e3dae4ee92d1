package pairing

import (
	"context"
	"fmt"
)

// ResultStatus classifies the outcome of a connection attempt
type ResultStatus int

const (
	ResultSuccess ResultStatus = iota
	ResultRejected
	ResultError
)

func (r ResultStatus) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRejected:
		return "rejected"
	default:
		return "error"
	}
}

// Resolution is the transport's report for a finished connection attempt.
// Code and Message carry transport-specific detail for ResultError.
type Resolution struct {
	Status  ResultStatus
	Code    int
	Message string
}

func (r Resolution) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%s (code=%d)", r.Status, r.Code)
	}
	return fmt.Sprintf("%s (code=%d): %s", r.Status, r.Code, r.Message)
}

// EventHandler receives transport callbacks. Calls may arrive concurrently
// from transport goroutines.
type EventHandler interface {
	OnEndpointFound(handle, identity string)
	OnEndpointLost(handle string)
	OnConnectionInitiated(handle, remoteIdentity string)
	OnConnectionResult(handle string, resolution Resolution)
	OnDisconnected(handle string)
	OnPayloadReceived(handle string, payload []byte)
}

// Transport is the discovery and messaging collaborator the coordinator drives.
// Endpoint handles are opaque transport-assigned strings and may change when
// an endpoint is rediscovered. The ctx passed to the Start and Request calls
// bounds only the call itself; advertising and discovery keep running until
// StopAll.
type Transport interface {
	SetEventHandler(handler EventHandler)
	StartAdvertising(ctx context.Context, localName, serviceID string) error
	StartDiscovery(ctx context.Context, serviceID string) error
	RequestConnection(ctx context.Context, localName, handle string) error
	AcceptConnection(handle string) error
	RejectConnection(handle string) error
	SendBytes(handle string, payload []byte) error
	StopAll()
}
