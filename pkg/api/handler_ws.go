package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/treufabrik/dirigent/pkg/store"
)

// wsHandler upgrades GET /ws and parks the connection on the hub, initially
// subscribed to the caller's thread channel. The hub owns the connection
// from here: reads, channel switches, heartbeats and teardown.
func (s *Server) wsHandler(c *echo.Context) error {
	uid := c.QueryParam("uid")
	space := c.QueryParam("space_code")
	thread := c.QueryParam("thread_key")
	if uid == "" || space == "" || thread == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uid, space_code and thread_key are required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns:     s.wsPatterns,
		InsecureSkipVerify: s.wsAnyOrigin,
	})
	if err != nil {
		// Accept already wrote the handshake failure to the client.
		return nil
	}

	s.deps.Hub.HandleConnection(c.Request().Context(), conn, store.ThreadChannel(uid, space, thread))
	return nil
}
