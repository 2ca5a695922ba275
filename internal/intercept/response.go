package intercept

import (
	"net/http"
	"strconv"

	"github.com/maneesh/audioshelf/internal/cache"
)

// Response is the single answer the layer produces for a request. Bodies are
// fully buffered so the same value can be cached and served.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) write(w http.ResponseWriter, method string) {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	if method != http.MethodHead {
		w.Write(r.Body)
	}
}

func (r *Response) entry() *cache.Entry {
	return &cache.Entry{Status: r.Status, Header: r.Header.Clone(), Body: r.Body}
}

func fromEntry(e *cache.Entry) *Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &Response{Status: e.Status, Header: h, Body: e.Body}
}

func textResponse(status int, body string) *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

const offlineAPIBody = `{"error":"offline","message":"You are offline and this data is not cached","offline":true}`

func offlineAPIResponse() *Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineAPIBody)}
}

func unavailableResponse() *Response {
	return textResponse(http.StatusServiceUnavailable, "Service Unavailable")
}
