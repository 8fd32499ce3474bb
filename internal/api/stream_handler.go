package api

import (
	"io"
	"strconv"
	"strings"

	"expflow/internal/service"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamHandler struct {
	hub *service.Hub
}

func NewStreamHandler(hub *service.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

func parseApplications(s string) map[constraints.Application]bool {
	apps := make(map[constraints.Application]bool)
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			apps[constraints.Application(p)] = true
		}
	}
	return apps
}

// Watch streams committed changes. Clients resume with last_rev; when the
// revision fell out of the replay window a "reset" event tells them to
// reload the experiment list.
func (h *StreamHandler) Watch(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	var lastRev int64
	if s := c.Query("last_rev"); s != "" {
		lastRev, _ = strconv.ParseInt(s, 10, 64)
	}

	client := &service.Client{
		Send:         make(chan v1.ChangeEvent, 128),
		Applications: parseApplications(c.Query("application")),
	}
	logger.Info("stream client connected",
		zap.String("operator", service.GetOperator(c.Request.Context())),
		zap.String("applications", c.Query("application")),
		zap.Int64("last_rev", lastRev),
		zap.String("ip", c.ClientIP()),
	)

	// register before replay so nothing published in between is lost
	h.hub.Register <- client
	defer func() {
		h.hub.Unregister <- client
	}()

	maxSentRev := lastRev
	if lastRev > h.hub.Revision() {
		// revision from before a restart
		c.SSEvent("reset", "revision_unknown")
		c.Writer.Flush()
		maxSentRev = 0
	} else if lastRev > 0 {
		events, ok := h.hub.Since(lastRev)
		if ok {
			for _, ev := range events {
				if !clientWants(client, ev) {
					continue
				}
				c.SSEvent("message", ev)
				maxSentRev = ev.Revision
			}
		} else {
			c.SSEvent("reset", "revision_too_old")
		}
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-client.Send:
			if !ok {
				return false
			}
			if ev.Type == v1.EventPing {
				c.SSEvent("ping", "pong")
				return true
			}
			// already replayed
			if ev.Revision <= maxSentRev {
				return true
			}
			c.SSEvent("message", ev)
			maxSentRev = ev.Revision
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func clientWants(client *service.Client, ev v1.ChangeEvent) bool {
	return len(client.Applications) == 0 || client.Applications[ev.Application]
}
