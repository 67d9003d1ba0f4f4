package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/quoroom/internal/bus"
)

const (
	sseBuffer    = 256
	sseHeartbeat = 15 * time.Second
)

// events relays bus events to the client as server-sent events. With a
// channel query parameter only that channel is relayed, otherwise all of
// them. A client that falls behind loses events rather than stalling the bus.
func (d *Deps) events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch := make(chan bus.Event, sseBuffer)
	push := func(e bus.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("dashboard: event stream full, dropped %s/%s", e.Channel, e.Type)
		}
	}
	var unsubscribe func()
	if channel := c.Query("channel"); channel != "" {
		unsubscribe = d.Bus.Subscribe(channel, push)
	} else {
		unsubscribe = d.Bus.SubscribeAny(push)
	}
	defer unsubscribe()

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(sseHeartbeat)
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
		case e := <-ch:
			writeSSE(c.Writer, e.Type, e)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("dashboard: encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
