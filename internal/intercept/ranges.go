package intercept

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const audioContentType = "audio/mpeg"

var (
	errMalformedRange     = errors.New("malformed range")
	errUnsatisfiableRange = errors.New("range not satisfiable")
)

// byteRange is an inclusive window into a blob
type byteRange struct {
	start, end int64
}

// parseRange reads the first range of a "bytes=" header against a blob of
// size bytes. Supported forms are start-end, start- and -suffix. end is
// clamped to size-1.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, errMalformedRange
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, errMalformedRange
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, errMalformedRange
		}
		if n == 0 || size == 0 {
			return byteRange{}, errUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errMalformedRange
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errMalformedRange
		}
	}
	if start >= size {
		return byteRange{}, errUnsatisfiableRange
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start: start, end: end}, nil
}

// serveBlob answers with blob, honoring a Range header. A malformed range
// gets the whole blob; one starting past the end gets 416.
func serveBlob(rangeHeader string, blob []byte, contentType string) *Response {
	size := int64(len(blob))
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")

	if rangeHeader == "" {
		return &Response{Status: http.StatusOK, Header: h, Body: blob}
	}

	br, err := parseRange(rangeHeader, size)
	switch {
	case errors.Is(err, errUnsatisfiableRange):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Header: h}
	case err != nil:
		return &Response{Status: http.StatusOK, Header: h, Body: blob}
	}

	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, size))
	return &Response{Status: http.StatusPartialContent, Header: h, Body: blob[br.start : br.end+1]}
}
