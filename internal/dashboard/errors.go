package dashboard

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
)

// badRequest marks input the handler itself rejected.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error { return &badRequest{msg: msg} }

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var br *badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, room.ErrNotFound),
		errors.Is(err, goal.ErrNotFound),
		errors.Is(err, quorum.ErrNotFound),
		errors.Is(err, messaging.ErrNotFound),
		errors.Is(err, ErrCycleNotFound),
		errors.Is(err, scheduler.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, quorum.ErrInvalidBallot):
		return http.StatusBadRequest
	}
	var ie *scheduler.IneligibleError
	if errors.As(err, &ie) {
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, quorum.ErrNotOpen),
		errors.Is(err, quorum.ErrNotEnfranchised),
		errors.Is(err, quorum.ErrUnknownProposer),
		errors.Is(err, room.ErrStaleSettings),
		errors.Is(err, room.ErrQueenUndeletable),
		errors.Is(err, room.ErrWorkerBusy),
		errors.Is(err, room.ErrNotBlocked),
		errors.Is(err, messaging.ErrAlreadyResolved):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error body.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("dashboard: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bind decodes a JSON body, reporting failures as bad requests.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, invalid("invalid request body: "+err.Error()))
		return false
	}
	return true
}
