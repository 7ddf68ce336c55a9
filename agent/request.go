package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/shuttlehq/shuttle"
)

// DefaultHeaders defaults Request headers
var DefaultHeaders = map[string]string{
	"Accept":          "*/*",
	"Accept-Encoding": "gzip, deflate, br",
	"Accept-Language": "en-US,en;",
	"User-Agent":      fmt.Sprintf("shuttle/%v", shuttle.Version),
}

// Request is a small wrapper around *http.Request
type Request struct {
	*http.Request

	// Optional response body encoding. Leave empty for automatic detection.
	// If you're having issues with auto-detection, set this.
	Encoding string

	// Per-request overrides. Zero values fall back to the Agent options.
	Timeout      time.Duration
	MaxRedirects int
}

// NewRequest returns a new Request given a method, URL, optional body, optional headers.
func NewRequest(method, u string, body any, headers map[string]string) (*Request, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		switch data := body.(type) {
		default:
			if kind := reflect.ValueOf(body).Kind(); kind == reflect.Struct || kind == reflect.Map ||
				(kind == reflect.Ptr && reflect.Indirect(reflect.ValueOf(body)).Kind() == reflect.Struct) {
				j, err := json.Marshal(body)
				if err != nil {
					return nil, err
				}
				if headers == nil {
					headers = make(map[string]string)
				}
				if _, ok := headers["Content-Type"]; !ok {
					headers["Content-Type"] = "application/json"
				}
				reqBody = bytes.NewReader(j)
			}
		case io.Reader:
			// Streamed as-is, no buffering of the payload.
			reqBody = data
		case string:
			reqBody = strings.NewReader(data)
		case []byte:
			reqBody = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	setDefaultHeader(req.Header)

	return &Request{Request: req}, nil
}

func setDefaultHeader(header http.Header) {
	for k, v := range DefaultHeaders {
		if _, ok := header[k]; !ok {
			header.Set(k, v)
		}
	}
}
