// Package respond writes the JSON envelope of the ops endpoints:
// {"result": ...} when a request succeeds, {"message": ...} when it fails.
package respond

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"
)

type envelope struct {
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK replies 200 with result.
func OK(c *ginext.Context, result any) {
	c.JSON(http.StatusOK, envelope{Result: result})
}

// Accepted replies 202 with the job that was queued.
func Accepted(c *ginext.Context, result any) {
	c.JSON(http.StatusAccepted, envelope{Result: result})
}

// Fail replies with status and the error text as the message.
func Fail(c *ginext.Context, status int, err error) {
	c.JSON(status, envelope{Message: err.Error()})
}
