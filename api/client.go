package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/registry"
)

// Client talks to a node's HTTP surface.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the node at base, e.g. http://host:5000.
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Deploy activates m. With wait set, the node prepares it before answering.
func (c *Client) Deploy(ctx context.Context, m *registry.Manifest, wait bool) (*DeployResponse, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	path := "/deploy"
	if wait {
		path += "?wait=true"
	}
	var resp DeployResponse
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Remove deletes a deployment.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/deploy/"+url.PathEscape(id), "", nil, nil)
}

// List returns every deployment on the node.
func (c *Client) List(ctx context.Context) ([]registry.Deployment, error) {
	var out []registry.Deployment
	if err := c.do(ctx, http.MethodGet, "/deploy", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns one request's entries, or the most recent entries when id
// is empty.
func (c *Client) History(ctx context.Context, id string) ([]history.Entry, error) {
	path := "/request-history"
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	var out []history.Entry
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Transport(c.base, err)
	}
	defer resp.Body.Close()
	// a failed request's entries come back with 500
	if resp.StatusCode == http.StatusInternalServerError && id != "" {
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil {
			return out, nil
		}
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke calls the endpoint at path with JSON arguments and optional
// execution-stage files. A failed invocation is a Result with a Failure, not
// an error; errors are reserved for the transport.
func (c *Client) Invoke(ctx context.Context, path string, args []json.RawMessage, files map[string][]byte) (*chain.Result, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	var body bytes.Buffer
	contentType := "application/json"
	if len(files) > 0 {
		w := multipart.NewWriter(&body)
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		if err := w.WriteField(ArgsField, string(encoded)); err != nil {
			return nil, err
		}
		for name, data := range files {
			part, err := w.CreateFormFile(name, name)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(data); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		contentType = w.FormDataContentType()
	} else if err := json.NewEncoder(&body).Encode(invokeRequest{Args: args}); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Transport(c.base, err)
	}
	defer resp.Body.Close()

	var res chain.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%s answered %s: %w", c.base, resp.Status, err)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Transport(c.base, err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// decode reads a 2xx body into out, or a failure body into an error.
func decode(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var f chain.Failure
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(data, &f); err != nil || f.Kind == "" {
			return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}
		return &f
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
