package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSHandlerValidation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name  string
		query string
	}{
		{name: "missing uid", query: "space_code=c1&thread_key=general"},
		{name: "missing space_code", query: "uid=u1&thread_key=general"},
		{name: "missing thread_key", query: "uid=u1&space_code=c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.wsHandler(c)
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, "thread_key")
		})
	}
}

func TestWSHandlerUpgrade(t *testing.T) {
	hub := &fakeHub{}
	s := newTestServer(t, Deps{Hub: hub})
	ts := httptest.NewServer(s.echo)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws?uid=u1&space_code=c1&thread_key=general", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return len(hub.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"chat:u1:c1:general"}, hub.seen())
}
