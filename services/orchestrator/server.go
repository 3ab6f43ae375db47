// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quartermaster-ai/quartermaster/services/orchestrator/datatypes"
	"github.com/quartermaster-ai/quartermaster/services/store"
)

// maxLineBytes bounds one inbound NDJSON line.
const maxLineBytes = 1 << 20

// Request is one inbound wire object.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is one outbound wire object. Error is a string so the chat
// front-end can display it directly; null on success.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  *string         `json:"error"`
}

// Server speaks newline-delimited JSON over any bidirectional stream:
// stdin/stdout or accepted TCP connections. Requests on one stream are
// handled concurrently; replies are serialized per stream.
type Server struct {
	engine *Engine
}

// NewServer wraps an engine.
func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

// ServeStream reads requests from r and writes replies to w until EOF or
// context cancellation.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	reply := func(resp Response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			slog.Error("reply marshal failed", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = w.Write(append(raw, '\n'))
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// The scanner reuses its buffer across Scan calls, and req's
		// RawMessage fields alias the line. Copy before handing off.
		buf := make([]byte, len(line))
		copy(buf, line)

		var req Request
		if err := json.Unmarshal(buf, &req); err != nil {
			msg := fmt.Sprintf("Invalid JSON: %v", err)
			reply(Response{Result: nil, Error: &msg})
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			reply(s.dispatch(ctx, req))
		}(req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

// ServeTCP accepts connections and serves each as an NDJSON stream.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	slog.Info("NDJSON server listening", "addr", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func(conn net.Conn) {
			defer conn.Close()
			if err := s.ServeStream(ctx, conn, conn); err != nil && ctx.Err() == nil {
				slog.Warn("connection closed with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}(conn)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.handle(ctx, req.Method, req.Params)
	resp := Response{ID: req.ID, Result: result}
	if err != nil {
		msg := err.Error()
		resp.Error = &msg
		resp.Result = nil
		slog.Warn("request failed", "method", req.Method, "error", msg)
	}
	return resp
}

func (s *Server) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return map[string]string{"status": "ok"}, nil

	case "query":
		var p datatypes.QueryParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Query(ctx, &p)

	case "add_conversation":
		var p struct {
			UserID    string `json:"user_id"`
			ChannelID string `json:"channel_id"`
			Question  string `json:"question"`
			Answer    string `json:"answer"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		err := s.engine.Stores().AddConversation(ctx, store.ConversationTurn{
			UserID:    p.UserID,
			ChannelID: p.ChannelID,
			Question:  p.Question,
			Answer:    p.Answer,
		})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"added": true}, nil

	case "get_conversation":
		var p struct {
			UserID    string `json:"user_id"`
			ChannelID string `json:"channel_id"`
			Limit     int    `json:"limit"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Stores().GetConversation(ctx, p.UserID, p.ChannelID, p.Limit)

	case "get_recent_conversation":
		var p struct {
			UserID string `json:"user_id"`
			Limit  int    `json:"limit"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Stores().GetRecentConversation(ctx, p.UserID, p.Limit)

	case "get_conversation_stats":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.Stores().GetConversationStats(ctx, p.UserID)

	case "get_relevant_conversations":
		var p struct {
			UserID   string `json:"user_id"`
			Question string `json:"question"`
			K        int    `json:"k"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		vec, err := s.engine.retriever.QueryEmbedding(ctx, p.Question)
		if err != nil {
			return nil, err
		}
		return s.engine.Stores().GetRelevantConversations(ctx, p.UserID, vec, p.K)

	case "clear_conversation":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.engine.Stores().ClearConversation(ctx, p.UserID); err != nil {
			return nil, err
		}
		return map[string]bool{"cleared": true}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	return nil
}
