package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// pollInterval is how often the event stream rechecks queue status.
var pollInterval = 3 * time.Second

// events streams a "status" event whenever the queue counts or worker
// states change, plus a periodic heartbeat.
func (h *handlers) events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	var last string
	push := func() {
		st, err := LoadStatus(h.db, h.staleAfter)
		if err != nil {
			h.log.Warn("status poll failed", "error", err)
			return
		}
		// Workers' heartbeat times change constantly; compare without them.
		key := statusKey(st)
		if key == last {
			return
		}
		last = key
		writeSSE(c.Writer, "status", st)
		c.Writer.Flush()
	}
	push()

	ctx := c.Request.Context()
	ticker := time.NewTicker(pollInterval)
	heartbeat := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			push()
		}
	}
}

func statusKey(st Status) string {
	workers := make([]WorkerRow, len(st.Workers))
	for i, w := range st.Workers {
		w.LastActivity = time.Time{}
		workers[i] = w
	}
	st.Workers = workers
	b, _ := json.Marshal(st)
	return string(b)
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
