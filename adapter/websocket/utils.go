package websocket

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generateConnectionID returns "{prefix}-{YYYYMMDD-HHMMSS}-{uuid8}" so log
// lines of one connection can be grepped together
func generateConnectionID(prefix string) string {
	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, uuid.NewString()[:8])
}

// isExemptFromBlock reports whether call may be sent while the site is down
func isExemptFromBlock(call string) bool {
	switch call {
	case "website_status", "authorize", "ping", "time", "logout":
		return true
	default:
		return false
	}
}
