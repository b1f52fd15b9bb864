package workspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/podex-dev/agentcore/internal/fault"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	WorkspaceID string
	Timeout     time.Duration // per call (default 60s)
	HTTPClient  *http.Client
}

// Client calls a workspace endpoint.
type Client struct {
	baseURL     string
	workspaceID string
	timeout     time.Duration
	http        *http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		workspaceID: cfg.WorkspaceID,
		timeout:     cfg.Timeout,
		http:        cfg.HTTPClient,
	}
}

// WorkspaceID returns the workspace the client targets.
func (c *Client) WorkspaceID() string { return c.workspaceID }

// WithWorkspace returns a copy of the client bound to another workspace.
func (c *Client) WithWorkspace(id string) *Client {
	cp := *c
	cp.workspaceID = id
	return &cp
}

// Execute performs one remote tool call. A response with Success=false is
// returned together with a *fault.Error describing it.
func (c *Client) Execute(ctx context.Context, tool string, args json.RawMessage, idempotencyKey string) (*ExecuteResponse, error) {
	body, err := json.Marshal(ExecuteRequest{
		Tool:           tool,
		Arguments:      args,
		WorkspaceID:    c.workspaceID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, fault.New(fault.KindValidation, tool, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return nil, fault.New(fault.KindValidation, tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &fault.Error{
			Kind:    fault.KindTransient,
			Op:      tool,
			Err:     err,
			Partial: !neverSent(err),
		}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &fault.Error{Kind: fault.KindTransient, Op: tool, Err: fmt.Errorf("read response: %w", err), Partial: true}
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(data, &resp); err != nil || (resp.Error == nil && !resp.Success) {
		return nil, statusError(tool, httpResp.StatusCode, data)
	}
	if resp.Success {
		return &resp, nil
	}
	return &resp, responseError(tool, &resp)
}

// neverSent reports whether err happened before the request could reach
// the server.
func neverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func statusError(tool string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		n := 200
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	err := fmt.Errorf("workspace endpoint returned %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return &fault.Error{Kind: fault.KindRateLimit, Op: tool, Err: err}
	case status >= 500:
		return &fault.Error{Kind: fault.KindTransient, Op: tool, Err: err, Partial: true}
	case status >= 400:
		return fault.New(fault.KindValidation, tool, err)
	}
	return fault.New(fault.KindToolExecution, tool, err)
}

func responseError(tool string, resp *ExecuteResponse) error {
	msg := errors.New(resp.Error.Message)
	switch resp.Error.Kind {
	case ErrKindValidation:
		return fault.New(fault.KindValidation, tool, msg)
	case ErrKindNotFound:
		return fault.New(fault.KindToolExecution, tool, fmt.Errorf("%s: %w", resp.Error.Message, fs.ErrNotExist))
	case ErrKindTransient:
		return &fault.Error{Kind: fault.KindTransient, Op: tool, Err: msg, Partial: resp.Partial}
	}
	return &fault.Error{Kind: fault.KindToolExecution, Op: tool, Err: msg, Partial: resp.Partial}
}

// The methods below let checkpoints read and restore files through the
// endpoint.

// ReadFile reads a file of the remote workspace.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	args, _ := json.Marshal(ReadFileArgs{Path: path})
	resp, err := c.Execute(ctx, "read_file", args, "")
	if err != nil {
		return nil, err
	}
	var res ReadFileResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("decode read_file result: %w", err)
	}
	if res.Encoding == "base64" {
		return base64.StdEncoding.DecodeString(res.Content)
	}
	return []byte(res.Content), nil
}

// WriteFile replaces a file of the remote workspace.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	args, _ := json.Marshal(WriteFileArgs{
		Path:     path,
		Content:  base64.StdEncoding.EncodeToString(data),
		Encoding: "base64",
	})
	_, err := c.Execute(ctx, "write_file", args, "")
	return err
}

// Remove deletes a file of the remote workspace; missing files are ignored.
func (c *Client) Remove(ctx context.Context, path string) error {
	args, _ := json.Marshal(DeleteFileArgs{Path: path})
	_, err := c.Execute(ctx, "delete_file", args, "")
	return err
}
