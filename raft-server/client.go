package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RaftClient is the HTTP Transport, it posts JSON RPCs to a peer's HTTPHandler.
type RaftClient struct {
	httpClient *http.Client
}

func NewRaftClient(timeout time.Duration) *RaftClient {
	return &RaftClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *RaftClient) AppendEntries(ctx context.Context, node Node, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var res AppendEntriesResponse
	if err := c.post(ctx, node, "/append_entries", req, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (c *RaftClient) InstallSnapshot(ctx context.Context, node Node, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var res InstallSnapshotResponse
	if err := c.post(ctx, node, "/install_snapshot", req, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (c *RaftClient) post(ctx context.Context, node Node, path string, req, res any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", node.Addr, path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code from %s: %d %s", node.ID, resp.StatusCode, bytes.TrimSpace(msg))
	}

	return json.NewDecoder(resp.Body).Decode(res)
}

var _ Transport = (*RaftClient)(nil)
