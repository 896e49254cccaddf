package rpc

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/guidegenie/guidegenie/internal/session"
)

// maxInputBytes caps the JSON input of one call.
const maxInputBytes = 1 << 20

type httpResponse struct {
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// HTTPHandler serves POST /api/rpc/*path. The procedure path is taken from
// the route parameter "path" and the request body is the JSON input. The
// caller's session comes from session.Manager's middleware; requests
// without one are anonymous. Procedures that sign in or out change the
// session's token, which is written back as the session cookie.
func (r *Router) HTTPHandler(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.Trim(c.Param("path"), "/")
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInputBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, httpResponse{Error: Errorf(CodeBadRequest, "read input: %v", err)})
			return
		}
		if len(body) > maxInputBytes {
			c.JSON(http.StatusRequestEntityTooLarge, httpResponse{Error: Errorf(CodeBadRequest, "input too large")})
			return
		}

		s := session.FromContext(c)
		if s == nil {
			s = sessions.Get(session.TokenFromRequest(c.Request))
		}

		before := s.AccessToken()
		out, rerr := r.Call(c.Request.Context(), s, path, body)
		sessions.Sync(c.Writer, s, before)
		if rerr != nil {
			c.JSON(rerr.HTTPStatus(), httpResponse{Error: rerr})
			return
		}
		c.JSON(http.StatusOK, httpResponse{Result: out})
	}
}
