package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
	"github.com/asheshgoplani/agent-ptyd/internal/safety"
	"github.com/asheshgoplani/agent-ptyd/internal/terminal"
)

const requestTimeout = 10 * time.Second

func (s *Server) dispatch(c *clientConn, req *ptyd.Request) (any, *ptyd.RPCError) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	switch req.Method {
	case ptyd.MethodPing:
		infos, _ := s.mgr.List(ctx)
		return ptyd.PingResult{PID: os.Getpid(), Version: s.opts.Version, Terminals: len(infos)}, nil

	case ptyd.MethodCreate:
		var p ptyd.CreateParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		created, err := s.mgr.Create(ctx, terminal.SpecFromWire(p))
		if err != nil {
			return nil, toRPCError(err)
		}
		return ptyd.CreateResult{ID: created.SessionID, PID: created.PID, Category: created.Category}, nil

	case ptyd.MethodWrite:
		var p ptyd.WriteParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolve(ctx, p.ID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.mgr.Write(ctx, id, p.Data); err != nil {
			return nil, toRPCError(err)
		}
		return ptyd.OKResult{OK: true}, nil

	case ptyd.MethodResize:
		var p ptyd.ResizeParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolve(ctx, p.ID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.mgr.Resize(ctx, id, p.Cols, p.Rows); err != nil {
			return nil, toRPCError(err)
		}
		return ptyd.OKResult{OK: true}, nil

	case ptyd.MethodKill:
		var p ptyd.IDParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolve(ctx, p.ID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.mgr.Kill(ctx, id); err != nil {
			return nil, toRPCError(err)
		}
		daemonLog.Info("terminal_kill_requested", slog.String("id", p.ID), slog.Int("client", c.id))
		return ptyd.OKResult{OK: true}, nil

	case ptyd.MethodList:
		infos, err := s.mgr.List(ctx)
		if err != nil {
			return nil, toRPCError(err)
		}
		out := ptyd.ListResult{Terminals: make([]ptyd.TerminalInfo, 0, len(infos))}
		for _, info := range infos {
			out.Terminals = append(out.Terminals, terminal.ToWireInfo(info))
		}
		return out, nil

	case ptyd.MethodGet:
		var p ptyd.IDParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolve(ctx, p.ID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		infos, err := s.mgr.List(ctx)
		if err != nil {
			return nil, toRPCError(err)
		}
		for _, info := range infos {
			if info.ID == id {
				return terminal.ToWireInfo(info), nil
			}
		}
		return nil, &ptyd.RPCError{Message: "terminal not found: " + p.ID, Code: ptyd.CodeNotFound}

	case ptyd.MethodSubscribe, ptyd.MethodUnsubscribe:
		var p ptyd.IDParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.ID == "" {
			p.ID = ptyd.SubscribeAll
		}
		c.subMu.Lock()
		if req.Method == ptyd.MethodSubscribe {
			c.subs[p.ID] = true
		} else {
			delete(c.subs, p.ID)
		}
		c.subMu.Unlock()
		return ptyd.OKResult{OK: true}, nil

	case ptyd.MethodGetBufferedData:
		var p ptyd.IDParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		id, rpcErr := s.resolve(ctx, p.ID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		data, err := s.mgr.BufferedData(ctx, id)
		if err != nil {
			return nil, toRPCError(err)
		}
		return ptyd.BufferedResult{Data: data}, nil

	case ptyd.MethodHistory:
		var p ptyd.HistoryParams
		if len(req.Params) > 0 {
			if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
				return nil, rpcErr
			}
		}
		return s.history(p.Limit)

	default:
		return nil, &ptyd.RPCError{Message: "unknown method: " + req.Method, Code: ptyd.CodeUnknownMethod}
	}
}

func (s *Server) resolve(ctx context.Context, id string) (string, *ptyd.RPCError) {
	if id == "" {
		return "", &ptyd.RPCError{Message: "id is required", Code: ptyd.CodeInvalidParams}
	}
	internal, err := s.mgr.Resolve(ctx, id)
	if err != nil {
		return "", toRPCError(err)
	}
	return internal, nil
}

func (s *Server) history(limit int) (any, *ptyd.RPCError) {
	if s.opts.Ledger == nil {
		return ptyd.HistoryResult{Entries: []ptyd.HistoryEntry{}}, nil
	}
	rows, err := s.opts.Ledger.History(limit)
	if err != nil {
		return nil, toRPCError(err)
	}
	out := ptyd.HistoryResult{Entries: make([]ptyd.HistoryEntry, 0, len(rows))}
	for _, r := range rows {
		entry := ptyd.HistoryEntry{
			ID:        r.ID,
			PID:       r.PID,
			Command:   r.Command,
			Category:  r.Category,
			Cwd:       r.Cwd,
			StartedAt: r.StartedAt,
			ExitCode:  r.ExitCode,
		}
		if !r.Running() {
			ended := r.EndedAt
			entry.EndedAt = &ended
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

func decodeParams(raw json.RawMessage, v any) *ptyd.RPCError {
	if len(raw) == 0 {
		return &ptyd.RPCError{Message: "params are required", Code: ptyd.CodeInvalidParams}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ptyd.RPCError{Message: "invalid params: " + err.Error(), Code: ptyd.CodeInvalidParams}
	}
	return nil
}

func toRPCError(err error) *ptyd.RPCError {
	switch {
	case errors.Is(err, safety.ErrBlocked):
		return &ptyd.RPCError{Message: err.Error(), Code: ptyd.CodeBlocked}
	case errors.Is(err, terminal.ErrSessionNotFound):
		return &ptyd.RPCError{Message: err.Error(), Code: ptyd.CodeNotFound}
	default:
		return &ptyd.RPCError{Message: err.Error(), Code: ptyd.CodeInternal}
	}
}
