// Package events names the events exchanged with browser connections.
package events

// Events sent by browsers.
const (
	Attach        = "attach"
	Input         = "input"
	Resize        = "resize"
	CommitChanges = "commit-changes"
	PushChanges   = "push-changes"
)

// Events sent to browsers.
const (
	Attached              = "attached"
	Output                = "output"
	Error                 = "error"
	CommitSuccess         = "commit-success"
	CommitError           = "commit-error"
	PushSuccess           = "push-success"
	PushError             = "push-error"
	SyncComplete          = "sync-complete"
	SyncError             = "sync-error"
	ContainerDisconnected = "container-disconnected"
)

// Message is the payload of events that only carry a message.
type Message struct {
	Message string `json:"message"`
}
