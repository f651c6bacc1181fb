package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewToolUseID mints a client-surface tool_use id. Providers that return
// structured calls without ids (Gemini) and repaired textual calls both get
// ids in this shape.
func NewToolUseID(now time.Time) string {
	return fmt.Sprintf("toolu_%d_%s", now.UnixMilli(), shortRandom())
}

// NewMessageID mints a client-surface message id.
func NewMessageID() string {
	return "msg_" + shortRandom() + shortRandom()
}

func shortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
