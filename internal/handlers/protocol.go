package handlers

// ControlMsg is a JSON text frame sent by an attached client.
type ControlMsg struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Submit bool   `json:"submit,omitempty"`
	// Cursor, on "ready", is the offset the client already has output up
	// to. Omitted means replay everything retained.
	Cursor *uint64 `json:"cursor,omitempty"`
}

// ResizeMsg represents terminal resize message
type ResizeMsg struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ReadOnlyMsg tells a client whether it may write.
type ReadOnlyMsg struct {
	Type string `json:"type"`
	Data bool   `json:"data"`
}

// BufferSizeMsg precedes a replay with the size the output was produced at.
type BufferSizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// BufferCompleteMsg ends a replay. Cursor is the offset live output
// resumes from; a reconnecting client passes it back in "ready".
type BufferCompleteMsg struct {
	Type   string `json:"type"`
	Cursor uint64 `json:"cursor"`
}

// ExitMsg is the last frame before the server closes the connection
// because the session ended.
type ExitMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ErrorMsg reports a rejected client request.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Message type constants for the attach protocol
const (
	// Server to client
	MsgTypeReadOnly       = "read-only"
	MsgTypeBufferSize     = "buffer-size"
	MsgTypeBufferComplete = "buffer-complete"
	MsgTypeExit           = "exit"
	MsgTypeError          = "error"

	// Client to server
	MsgTypeReady  = "ready"
	MsgTypePrompt = "prompt"
	MsgTypeResize = "resize"
)

// Attach flow:
//
//  1. Client connects; server answers with "read-only" (data=false for the
//     writing client).
//  2. Client sends "ready", optionally with the cursor it already has.
//     "ready" may be repeated; output already written on this connection
//     is not sent again.
//  3. Server sends "buffer-size", the retained output as one binary frame,
//     then "buffer-complete" with the resume cursor.
//  4. Output produced during the replay follows, then live output.
//  5. Binary frames and non-control text frames are keyboard input.
