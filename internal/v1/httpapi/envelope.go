// Package httpapi is the HTTP plane: friends/profile REST and health
// (spec.md §4.10 "HTTP plane"). Every handler returns the bit-exact
// response envelope of spec.md §4.10: {success, data?, error?, message?,
// timestamp, cached?, fetchTime?}.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinchat/server/internal/v1/apperr"
)

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	Cached    *bool  `json:"cached,omitempty"`
	FetchTime *int64 `json:"fetchTime,omitempty"`
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// ok writes a 200 success envelope carrying data.
func ok(c *gin.Context, data any) {
	c.JSON(200, envelope{Success: true, Data: data, Timestamp: now()})
}

// created writes a 201 success envelope (spec.md §6 "201 created (friend request)").
func created(c *gin.Context, data any) {
	c.JSON(201, envelope{Success: true, Data: data, Timestamp: now()})
}

// outcome writes a structured success:false "message" result for a
// conflict condition spec.md §7 classifies as "not thrown": duplicate
// request, already friends, self-target, blocked.
func outcome(c *gin.Context, message string) {
	c.JSON(200, envelope{Success: false, Message: message, Timestamp: now()})
}

// fail translates err into the envelope + status code via the apperr
// taxonomy (spec.md §7), regardless of which layer produced it.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.JSON(apperr.HTTPStatus(kind), envelope{Success: false, Error: err.Error(), Timestamp: now()})
}

// badRequest writes a 400 validation envelope directly from a message,
// for payload shapes rejected before they become an apperr.Error.
func badRequest(c *gin.Context, reason string) {
	c.JSON(400, envelope{Success: false, Error: reason, Timestamp: now()})
}
