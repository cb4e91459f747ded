package platform

import (
	"bytes"
	"io"
	"net/http"
)

// FakeDoer is a minimal in-memory httpDoer double: it answers every
// request with the fixed status and body it was built with, recording
// every request it saw for assertions. Used by this package's own tests
// and reusable from internal/ingest's poller tests.
type FakeDoer struct {
	StatusCode int
	Body       string
	Requests   []*http.Request
}

// NewFakeDoer builds a FakeDoer that answers every call identically.
func NewFakeDoer(statusCode int, body string) *FakeDoer {
	return &FakeDoer{StatusCode: statusCode, Body: body}
}

func (f *FakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.Requests = append(f.Requests, req)
	return &http.Response{
		StatusCode: f.StatusCode,
		Body:       io.NopCloser(bytes.NewReader([]byte(f.Body))),
		Header:     make(http.Header),
	}, nil
}
