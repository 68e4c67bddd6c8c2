package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shipkit/shiplog/internal/model"
)

// EventID encodes a cursor as an SSE event id so a reconnecting browser
// can resume through the Last-Event-ID header.
func EventID(c model.Cursor) string {
	return fmt.Sprintf("%d-%d", c.Timestamp.UnixMilli(), c.ID)
}

// ParseEventID is the inverse of EventID.
func ParseEventID(s string) (model.Cursor, bool) {
	tsPart, idPart, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return model.Cursor{}, false
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ms < 0 {
		return model.Cursor{}, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 0 {
		return model.Cursor{}, false
	}
	return model.Cursor{Timestamp: time.UnixMilli(ms).UTC(), ID: id}, true
}
