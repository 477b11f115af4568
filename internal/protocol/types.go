package protocol

// StreamPath is the path segment the log stream is served under.
const StreamPath = "/stream"

// LogEntry is one log record delivered by the server.
// Position is assigned by the server and is the ordering key.
type LogEntry struct {
	Position int64
	Payload  any
}

// StartRequest asks the server to deliver entries starting at FromPosition.
type StartRequest struct {
	FromPosition int64
}
