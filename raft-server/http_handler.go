package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Konstantsiy/casual-kv/state-machine"
)

const (
	defaultClientTimeout = 5 * time.Second

	// maxBodySize bounds client and peer request bodies
	maxBodySize = 4 << 20
)

type HTTPHandler struct {
	raft          *Raft
	clientTimeout time.Duration
	logger        *zap.Logger
}

func NewHTTPHandler(raft *Raft, clientTimeout time.Duration) *HTTPHandler {
	if clientTimeout <= 0 {
		clientTimeout = defaultClientTimeout
	}

	return &HTTPHandler{
		raft:          raft,
		clientTimeout: clientTimeout,
		logger:        raft.logger,
	}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/append_entries", h.handleAppendEntries)
	mux.HandleFunc("/install_snapshot", h.handleInstallSnapshot)
	mux.HandleFunc("/command", h.handleCommand)
	mux.HandleFunc("GET /kv/{key}", h.handleGet)
	mux.HandleFunc("PUT /kv/{key}", h.handlePut)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /status", h.handleStatus)
}

// handleCommand takes an encoded state machine command as the raw body,
// read-only commands are served as reads, the rest go through the log.
func (h *HTTPHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cmd, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	readOnly, err := state_machine.IsReadOnly(cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if readOnly {
		h.serve(w, r, h.raft.Read, cmd)
	} else {
		h.serve(w, r, h.raft.Write, cmd)
	}
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	cmd, err := state_machine.EncodeGet(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.serve(w, r, h.raft.Read, cmd)
}

func (h *HTTPHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd, err := state_machine.EncodeSet(r.PathValue("key"), string(value))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.serve(w, r, h.raft.Write, cmd)
}

type callFunc func(ctx context.Context, body []byte) ([]byte, error)

func (h *HTTPHandler) serve(w http.ResponseWriter, r *http.Request, call callFunc, cmd []byte) {
	var requestID = r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	ctx, cancel := context.WithTimeout(r.Context(), h.clientTimeout)
	defer cancel()

	var start = time.Now()
	body, err := call(ctx, cmd)

	var notLeader *NotLeaderError
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)

	case errors.As(err, &notLeader):
		if notLeader.Addr == "" {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			break
		}

		var target = url.URL{Scheme: "http", Host: notLeader.Addr, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)

	case errors.Is(err, state_machine.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)

	case errors.Is(err, ErrReadTimeout), errors.Is(err, ErrLeadershipLost):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)

	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}

	h.logger.Debug("served client request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
}

func (h *HTTPHandler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AppendEntriesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.raft.HandleAppendEntries(&req)
	if err != nil {
		h.logger.Error("cannot handle append entries", zap.String("leader", string(req.LeaderID)), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, resp)
}

func (h *HTTPHandler) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// snapshots carry the whole store and are not bounded by maxBodySize
	var req InstallSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.raft.HandleInstallSnapshot(&req)
	if err != nil {
		h.logger.Error("cannot install snapshot", zap.String("leader", string(req.LeaderID)), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, resp)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]any{
		"term":     h.raft.Term(),
		"isLeader": h.raft.State() == Leader,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.raft.Status())
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("cannot encode response", zap.Error(err))
	}
}
