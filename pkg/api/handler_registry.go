package api

import "context"

// presenceArgs are the kwargs of the REGISTRY.* methods. User and session
// fall back to the envelope's user_id and session_id.
type presenceArgs struct {
	User      string `json:"user"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel,omitempty"`
}

func (a *presenceArgs) normalize(req *rpcRequest) error {
	if a.User == "" {
		a.User = req.UserID
	}
	if a.SessionID == "" {
		a.SessionID = req.SessionID
	}
	if a.User == "" || a.SessionID == "" {
		return invalidArgsf("user and session_id are required")
	}
	return nil
}

func (s *Server) rpcRegisterUser(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[presenceArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	if err := s.deps.Registry.RegisterUser(ctx, args.User, args.SessionID, args.Channel); err != nil {
		return nil, err
	}
	return map[string]any{"registered": true}, nil
}

func (s *Server) rpcHeartbeat(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[presenceArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Heartbeat(ctx, args.User, args.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"alive": true}, nil
}

func (s *Server) rpcUnregisterSession(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[presenceArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	if err := s.deps.Registry.UnregisterSession(ctx, args.User, args.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"unregistered": true}, nil
}
