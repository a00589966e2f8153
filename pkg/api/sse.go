package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opgroeien/flowd/pkg/emitter"
)

// streamSSE serializes envelopes to the client until the run's emitter
// closes the channel. A client disconnect stops writing but never
// cancels the run; the remaining envelopes are drained so the emitter
// can finish.
func (s *Server) streamSSE(c *gin.Context, out <-chan emitter.Envelope) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for env := range out {
		data, err := json.Marshal(env)
		if err != nil {
			s.logger.Warn("dropping unserializable envelope", "type", env.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			s.logger.Info("client disconnected mid-stream", "thread_id", env.ThreadID)
			go func() {
				for range out {
				}
			}()
			return
		}
		c.Writer.Flush()
	}
}
