package http

import "ntcore/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status      Status                 `json:"status,omitempty"`
	Identity    string                 `json:"identity,omitempty"`
	Entry       *Entry                 `json:"entry,omitempty"`
	Entries     []Entry                `json:"entries,omitempty"`
	Connections []types.ConnectionInfo `json:"connections,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewEntryResponse(e Entry) Response {
	return Response{Status: StatusSuccess, Entry: &e}
}

func NewEntriesResponse(entries []Entry) Response {
	return Response{Status: StatusSuccess, Entries: entries}
}

func NewConnectionsResponse(conns []types.ConnectionInfo) Response {
	return Response{Status: StatusSuccess, Connections: conns}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
