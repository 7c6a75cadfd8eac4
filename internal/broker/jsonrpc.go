package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// remoteTool is one entry of a downstream tools/list result.
type remoteTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// listHTTPTools discovers tools from an HTTP downstream with a JSON-RPC 2.0
// tools/list call. JSON-RPC is used for discovery only; execution goes
// through the SSE endpoint.
func (b *Broker) listHTTPTools(ctx context.Context, serverURL string) ([]remoteTool, error) {
	params := map[string]any{}
	if b.role != "" {
		params["role"] = b.role
	}
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		"method":  "tools/list",
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools/list request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools/list HTTP %d", resp.StatusCode)
	}

	var rpcResp struct {
		Error  *rpcError `json:"error"`
		Result struct {
			Tools []struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				InputSchema map[string]any `json:"inputSchema"`
				Parameters  map[string]any `json:"parameters"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode tools/list response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tools/list failed: %s", rpcResp.Error.Message)
	}

	out := make([]remoteTool, 0, len(rpcResp.Result.Tools))
	for _, t := range rpcResp.Result.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = t.Parameters
		}
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, remoteTool{Name: t.Name, Description: t.Description, Parameters: schema})
	}
	return out, nil
}
