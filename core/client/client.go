/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux
router. It is the tool of choice for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router *mux.Router
	ctx    context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// service through the mux router.
//
// WithToken() adds a bearer token to all requests.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a client with a bearer token for authorization.
func (c Client) WithToken(token string) Client {
	headers := map[string]string{}
	for key, value := range c.defaultHeaders {
		headers[key] = value
	}
	headers["Authorization"] = "Bearer " + token
	c.defaultHeaders = headers
	return c
}

// WithContext returns a client with the specified base context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the client's base context.
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c Client) do(method, path string, body interface{}, expect int, result interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	r, _ := http.NewRequestWithContext(c.Context(), method, path, reader)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)
	status := rec.Result().StatusCode
	resBody := rec.Body.Bytes()

	if status != expect {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expect, strings.TrimSpace(string(resBody)))
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else if err := json.Unmarshal(resBody, result); err != nil {
			return status, err
		}
	}
	return status, nil
}

// RawGet gets the resource from path. Expects http.StatusOK as
// response, otherwise it will flag an error. The path can be extended
// with query strings. result can be nil or a raw *[]byte.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, http.StatusOK, result)
}

// RawPost posts body to path. Expects expect as response status.
func (c Client) RawPost(path string, body interface{}, expect int, result interface{}) (int, error) {
	return c.do(http.MethodPost, path, body, expect, result)
}

// RawPatch patches the resource at path. Expects http.StatusOK as
// response status.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPatch, path, body, http.StatusOK, result)
}

// RawPut puts body to path. Expects http.StatusOK as response status.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPut, path, body, http.StatusOK, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent
// as response status.
func (c Client) RawDelete(path string) (int, error) {
	return c.do(http.MethodDelete, path, nil, http.StatusNoContent, nil)
}
