package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/executor"
)

// ArgsField carries JSON arguments in JSON bodies and multipart forms.
const ArgsField = "args"

type invokeRequest struct {
	Args []json.RawMessage `json:"args"`
}

// invoke runs the endpoint at the request path. The response is always a
// chain.Result, whose failure kind picks the status code.
func (s *Server) invoke(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodPost {
		c.Header("Allow", "GET, POST")
		c.JSON(http.StatusMethodNotAllowed, chain.Fail(chain.Context{},
			errors.Validation(nil, "method %s not allowed", c.Request.Method), s.cfg.Device.ID))
		return
	}

	path := c.Request.URL.Path
	chained := chain.IsChained(c.Request.Header)
	rc, err := chain.Extract(c.Request.Header, s.cfg.MaxSteps)
	if err != nil {
		s.respond(c, chain.Fail(rc, err, s.cfg.Device.ID))
		return
	}
	if !chained {
		if rc.Origin == "" {
			rc.Origin = s.cfg.Device.ID
		}
		if !rc.HasDeadline() && s.cfg.Deadline > 0 {
			rc.Deadline = time.Now().Add(s.cfg.Deadline)
		}
	}

	in, err := s.readInput(c, path)
	if err != nil {
		s.respond(c, chain.Fail(rc, err, s.cfg.Device.ID))
		return
	}
	s.respond(c, s.executor.Invoke(c.Request.Context(), path, rc, in))
}

func (s *Server) respond(c *gin.Context, res *chain.Result) {
	if res.RequestID != "" {
		c.Header(chain.HeaderRequestID, res.RequestID)
	}
	status := http.StatusOK
	if !res.Success {
		status = StatusOf(res.Failure.Kind)
	}
	c.JSON(status, res)
}

// readInput decodes the request's arguments and files. Chained payloads
// arrive as the raw arena; clients send {"args": [...]}, a multipart form
// with file parts, or query parameters named after the input schema.
func (s *Server) readInput(c *gin.Context, path string) (executor.Input, error) {
	var in executor.Input
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)

	switch c.ContentType() {
	case chain.ContentType:
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return in, errors.Validation(nil, "read payload: %v", err)
		}
		in.Payload = body
		return in, nil

	case gin.MIMEMultipartPOSTForm:
		form, err := c.MultipartForm()
		if err != nil {
			return in, errors.Validation(nil, "parse form: %v", err)
		}
		in.Files = make(map[string][]byte, len(form.File))
		for name, headers := range form.File {
			if len(headers) == 0 {
				continue
			}
			data, err := readPart(headers[0])
			if err != nil {
				return in, errors.Validation([]string{"files", name}, "read file: %v", err)
			}
			in.Files[name] = data
		}
		if raw := form.Value[ArgsField]; len(raw) > 0 {
			if err := json.Unmarshal([]byte(raw[0]), &in.Args); err != nil {
				return in, errors.Validation([]string{ArgsField}, "args must be a JSON array: %v", err)
			}
			return in, nil
		}

	default:
		if c.Request.Method == http.MethodPost {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				return in, errors.Validation(nil, "read body: %v", err)
			}
			if len(body) > 0 {
				var req invokeRequest
				if err := json.Unmarshal(body, &req); err != nil {
					return in, errors.Validation(nil, "decode body: %v", err)
				}
				in.Args = req.Args
				return in, nil
			}
		}
	}

	values, err := s.queryArgs(c, path)
	if err != nil {
		return in, err
	}
	in.Values = values
	return in, nil
}

// queryArgs types query parameters by the endpoint's input schema. An
// unknown endpoint yields no values; the executor reports it.
func (s *Server) queryArgs(c *gin.Context, path string) ([]codec.Value, error) {
	query := c.Request.URL.Query()
	if len(query) == 0 {
		return nil, nil
	}
	ep, err := s.registry.Resolve(path)
	if err != nil || len(ep.Input) == 0 {
		return nil, nil
	}
	values := make([]codec.Value, len(ep.Input))
	for i, p := range ep.Input {
		raw, ok := query[p.Name]
		if !ok || len(raw) == 0 {
			return nil, errors.Validation([]string{p.Name}, "missing query parameter %q", p.Name)
		}
		v, err := codec.ParseText(p.Kind(), raw[0])
		if err != nil {
			return nil, errors.Validation([]string{p.Name}, "%v", err)
		}
		values[i] = v
	}
	return values, nil
}

func readPart(h *multipart.FileHeader) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
