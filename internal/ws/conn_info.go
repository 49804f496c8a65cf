package ws

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	SessionID   string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// presenceHandle is the value stored under the user's presence key.
func presenceHandle(nodeID, connID string) string {
	return nodeID + "|" + connID
}

func parseHandle(handle string) (nodeID, connID string, ok bool) {
	nodeID, connID, ok = strings.Cut(handle, "|")
	if !ok || nodeID == "" || connID == "" {
		return "", "", false
	}
	return nodeID, connID, true
}

func newConnID() string {
	return uuid.NewString()
}
