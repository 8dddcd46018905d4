package jsonrpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// request is the /jsonrpc.js envelope: params is [playerid, [cmd...]].
type request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params []any          `json:"params"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// ServeHTTP handles POST /jsonrpc.js. Dispatch failures are reported in the
// envelope with HTTP 200, matching what LMS clients expect.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Method != "slim.request" || len(req.Params) != 2 {
		http.Error(w, "expected slim.request with [playerid, command]", http.StatusBadRequest)
		return
	}
	playerID, _ := req.Params[0].(string)
	cmd, ok := req.Params[1].([]any)
	if !ok {
		http.Error(w, "command must be an array", http.StatusBadRequest)
		return
	}

	resp := response{ID: req.ID, Method: req.Method, Params: req.Params}
	result, err := d.Dispatch(playerID, cmd)
	if err != nil {
		slog.Debug("jsonrpc: dispatch failed", "player", playerID, "cmd", cmd, "err", err)
		resp.Error = err.Error()
		resp.Result = map[string]any{}
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("jsonrpc: write failed", "err", err)
	}
}
