package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/servicekit/internal/runtime/jsoncodec"
)

const maxBodyBytes = 4 << 20

// Error is an error carrying the HTTP status it should be answered with.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an error answered with status and message.
func NewError(status int, message string) error {
	return &Error{Status: status, Message: message}
}

// Context wraps one request and its response.
type Context struct {
	w       http.ResponseWriter
	r       *http.Request
	codec   jsoncodec.Codec
	status  int
	written bool
}

func newContext(w http.ResponseWriter, r *http.Request, codec jsoncodec.Codec) *Context {
	return &Context{w: w, r: r, codec: codec, status: http.StatusOK}
}

func (c *Context) Request() *http.Request { return c.r }
func (c *Context) Writer() http.ResponseWriter { return c.w }
func (c *Context) Context() context.Context { return c.r.Context() }
func (c *Context) Header(key, value string) { c.w.Header().Set(key, value) }
func (c *Context) Param(name string) string { return chi.URLParam(c.r, name) }
func (c *Context) Query(name string) string { return c.r.URL.Query().Get(name) }
func (c *Context) Written() bool { return c.written }

// Status sets the status used by the next write.
func (c *Context) Status(code int) *Context {
	c.status = code
	return c
}

// Bind decodes the request body into v with the server's codec.
func (c *Context) Bind(v any) error {
	body, err := io.ReadAll(io.LimitReader(c.r.Body, maxBodyBytes))
	if err != nil {
		return &Error{Status: http.StatusBadRequest, Message: "could not read body", Err: err}
	}
	if len(body) == 0 {
		return NewError(http.StatusBadRequest, "request body is empty")
	}
	if err := c.codec.Unmarshal(body, v); err != nil {
		return &Error{Status: http.StatusBadRequest, Message: "malformed body", Err: err}
	}
	return nil
}

// JSON writes v with the server's codec.
func (c *Context) JSON(v any) error {
	body, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.write(c.codec.ContentType(), body)
}

// Text writes s as plain text.
func (c *Context) Text(s string) error {
	return c.write("text/plain; charset=utf-8", []byte(s))
}

// NoContent answers with the current status and no body.
func (c *Context) NoContent() error {
	if c.status == http.StatusOK {
		c.status = http.StatusNoContent
	}
	return c.write("", nil)
}

func (c *Context) write(contentType string, body []byte) error {
	if c.written {
		return errors.New("response already written")
	}
	c.written = true
	if contentType != "" {
		c.w.Header().Set("Content-Type", contentType)
	}
	c.w.WriteHeader(c.status)
	if len(body) == 0 {
		return nil
	}
	_, err := c.w.Write(body)
	return err
}
