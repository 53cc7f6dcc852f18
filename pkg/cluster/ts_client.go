package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"metacat/pkg/types"
)

const tsAdminPrefix = "/api/admin/tablets/"

// DeleteTabletRequest asks a tablet server to drop (or hide) its replica.
type DeleteTabletRequest struct {
	Reason string `json:"reason"`
	Hide   bool   `json:"hide,omitempty"`
}

type AlterSchemaRequest struct {
	TableID       types.TableID       `json:"table_id"`
	SchemaVersion types.SchemaVersion `json:"schema_version"`
	Schema        json.RawMessage     `json:"schema,omitempty"`
}

type LeaderStepDownRequest struct {
	NewLeader types.TabletServerID `json:"new_leader,omitempty"`
}

// TSClient talks to the admin HTTP API of tablet servers.
type TSClient struct {
	httpClient *http.Client
}

// NewTSClient создает HTTP клиент для admin API tablet servers
func NewTSClient(timeout time.Duration) *TSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TSClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *TSClient) DeleteTablet(ctx context.Context, ts *TSDescriptor, tabletID types.TabletID, req DeleteTabletRequest) error {
	return c.post(ctx, ts, tabletID, "delete", req)
}

func (c *TSClient) AlterSchema(ctx context.Context, ts *TSDescriptor, tabletID types.TabletID, req AlterSchemaRequest) error {
	return c.post(ctx, ts, tabletID, "alter-schema", req)
}

func (c *TSClient) LeaderStepDown(ctx context.Context, ts *TSDescriptor, tabletID types.TabletID, req LeaderStepDownRequest) error {
	return c.post(ctx, ts, tabletID, "step-down", req)
}

func (c *TSClient) post(ctx context.Context, ts *TSDescriptor, tabletID types.TabletID, action string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	base := ts.Info().HTTPAddr
	if base == "" {
		return fmt.Errorf("%s has no http address", ts)
	}
	reqURL, err := url.JoinPath(base, tsAdminPrefix, url.PathEscape(string(tabletID)), action)
	if err != nil {
		return fmt.Errorf("build %s url: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s request: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s on %s failed with status %d: %s", action, ts, resp.StatusCode, string(respBody))
	}
	return nil
}
