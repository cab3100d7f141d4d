// Package api is the HTTP surface of the service: the JSON-RPC gateway on
// POST /rpc, the WebSocket endpoint, the worker callback route and health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/treufabrik/dirigent/pkg/config"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/tools"
	"github.com/treufabrik/dirigent/pkg/workflow"
)

// Workflow is the executor surface the gateway drives.
// *workflow.Executor satisfies it.
type Workflow interface {
	SendMessage(ctx context.Context, req *workflow.SendRequest) (*workflow.Receipt, error)
	Resume(ctx context.Context, r *workflow.Resumption) (*workflow.Outcome, error)
	Paused(ctx context.Context, companyID, threadKey string) (*workflow.PausedState, bool)
}

// BrainCache is the thread cache slice behind the LLM.* stream and history
// methods. *brain.Cache satisfies it.
type BrainCache interface {
	Rehydrate(ctx context.Context, userID, companyID, threadKey string) error
	Evict(ctx context.Context, userID, companyID, threadKey string)
	StopStreaming(userID, companyID, threadKey string) bool
}

// ThreadHistory clears thread transcripts on flush. *history.Manager
// satisfies it.
type ThreadHistory interface {
	Clear(ctx context.Context, user, company, thread string) error
}

// Presence is the registry slice behind the REGISTRY.* methods.
// *registry.Registry satisfies it.
type Presence interface {
	RegisterUser(ctx context.Context, userID, sessionID, channel string) error
	Heartbeat(ctx context.Context, userID, sessionID string) error
	UnregisterSession(ctx context.Context, userID, sessionID string) error
}

// TaskAdmin is the task service surface behind the TASK.* methods and
// LLM.execute_task_now. *scheduler.TaskService satisfies it.
type TaskAdmin interface {
	Create(ctx context.Context, uc *models.UserContext, req *tools.TaskRequest) (*models.Task, error)
	Update(ctx context.Context, uc *models.UserContext, taskID string, req *tools.TaskRequest) (*models.Task, error)
	Delete(ctx context.Context, uc *models.UserContext, taskID string) error
	List(ctx context.Context, uc *models.UserContext) ([]*models.Task, error)
	Get(ctx context.Context, uc *models.UserContext, taskID string) (*models.Task, error)
	SetEnabled(ctx context.Context, uc *models.UserContext, taskID string, enabled bool) (*models.Task, error)
	ExecuteNow(ctx context.Context, uc *models.UserContext, taskID string) (string, error)
}

// SessionSource resolves the caller's mandate context. *session.Manager
// satisfies it.
type SessionSource interface {
	Ensure(ctx context.Context, userID, companyID string, chatMode models.ChatMode) (*models.Session, error)
	UserContext(ctx context.Context, userID, companyID string) (*models.UserContext, error)
}

// ConnectionHub owns WebSocket connections. *events.Hub satisfies it.
type ConnectionHub interface {
	HandleConnection(ctx context.Context, conn *websocket.Conn, initialChannel string)
	ActiveConnections() int
}

// CommandPublisher mirrors checklist commands onto the thread channel.
// *events.Publisher satisfies it.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, userID, companyID, threadKey, event string, payload any) error
}

// ExecutionLedger is the execution repo slice the callback router needs.
// *docstore.ExecutionRepo satisfies it.
type ExecutionLedger interface {
	Get(ctx context.Context, taskID, executionID string) (*models.Execution, error)
	FindByLPT(ctx context.Context, taskID, lptID string) (*models.Execution, error)
	PutLPT(ctx context.Context, taskID, executionID string, record *models.LPTRecord) error
	UpdateChecklist(ctx context.Context, taskID, executionID string, checklist *models.Checklist) error
}

// Pinger is a health-checkable backend. The redis store and the document
// store client both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles everything the routes reach for.
type Deps struct {
	Workflow   Workflow
	Brains     BrainCache
	History    ThreadHistory
	Sessions   SessionSource
	Registry   Presence
	Tasks      TaskAdmin
	Hub        ConnectionHub
	Publisher  CommandPublisher
	Executions ExecutionLedger

	// KV and Docs are only pinged, for /healthz.
	KV   Pinger
	Docs Pinger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Server is the HTTP layer. Construct with NewServer, run with Start, stop
// with Shutdown.
type Server struct {
	deps          Deps
	rpcTimeout    time.Duration
	callbackToken string
	methods       map[string]rpcHandler

	wsPatterns  []string
	wsAnyOrigin bool

	echo  *echo.Echo
	http  *http.Server
	nowFn func() time.Time
}

// NewServer builds the router and binds every route. cfg.Server carries the
// listen address and CORS allowlist; cfg.Workers carries the callback token.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		deps:       deps,
		rpcTimeout: cfg.Server.RPCTimeout(),
		nowFn:      deps.Now,
	}
	if cfg.Workers != nil {
		s.callbackToken = cfg.Workers.CallbackToken
	}
	s.methods = s.methodTable()
	s.wsPatterns, s.wsAnyOrigin = wsOriginPatterns(cfg.Server.AllowedOrigins)

	e := echo.New()
	e.Use(recoverPanics())
	e.Use(requestLogger())
	e.Use(securityHeaders())
	e.Use(corsHeaders(cfg.Server.AllowedOrigins))

	e.POST("/rpc", s.rpcGatewayHandler)
	e.POST("/lpt/callback", s.lptCallbackHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)

	s.echo = e
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown or a listen failure. Returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// wsOriginPatterns converts the CORS origin allowlist into the host
// patterns the WebSocket accept check matches against.
func wsOriginPatterns(origins []string) (patterns []string, anyOrigin bool) {
	for _, o := range origins {
		if o == "*" {
			return nil, true
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns, false
}
