package intercept

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Class is the resource class a request belongs to
type Class int

const (
	ClassNavigation Class = iota
	ClassAudio
	ClassAPI
	ClassAsset
	ClassImage
	ClassFont
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassAudio:
		return "audio"
	case ClassAPI:
		return "api"
	case ClassAsset:
		return "asset"
	case ClassImage:
		return "image"
	case ClassFont:
		return "font"
	default:
		return "other"
	}
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".ogg":  true,
	".opus": true,
	".webm": true,
}

// route pairs a predicate with the strategy serving its class
type route struct {
	class Class
	match func(r *http.Request) bool
	serve func(r *http.Request) *Response
}

// routes is the routing table, evaluated in order; the first match wins and
// the last entry matches everything.
func (l *Layer) routes() []route {
	return []route{
		{ClassNavigation, isNavigation, l.navigation},
		{ClassAudio, l.isAudio, l.audio},
		{ClassAPI, l.isAPI, l.api},
		{ClassAsset, destinationIn("script", "style"), l.staleWhileRevalidate(l.assets)},
		{ClassImage, destinationIn("image"), l.cacheFirst(l.images)},
		{ClassFont, destinationIn("font"), l.cacheFirst(l.fonts)},
		{ClassOther, func(*http.Request) bool { return true }, l.networkWithCacheFallback},
	}
}

// Classify returns the class of the first route matching r
func (l *Layer) Classify(r *http.Request) Class {
	for _, rt := range l.table {
		if rt.match(r) {
			return rt.class
		}
	}
	return ClassOther
}

func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate"
}

func destinationIn(dests ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		d := r.Header.Get("Sec-Fetch-Dest")
		for _, want := range dests {
			if d == want {
				return true
			}
		}
		return false
	}
}

func (l *Layer) isAudio(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "audio" {
		return true
	}
	p := r.URL.Path
	if audioExtensions[strings.ToLower(path.Ext(p))] {
		return true
	}
	return strings.Contains(p, "/audio/") || strings.HasPrefix(p, l.opts.StreamPath)
}

func (l *Layer) isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, l.opts.APIPrefix)
}

var (
	streamIDPattern = regexp.MustCompile(`/api/stream/(\d+)`)
	audioIDPattern  = regexp.MustCompile(`/audio/(\d+)`)
)

// idPatterns returns the path patterns carrying an audiobook id, with the
// configured stream path first when it differs from the default.
func idPatterns(streamPath string) []*regexp.Regexp {
	patterns := []*regexp.Regexp{streamIDPattern, audioIDPattern}
	if streamPath != "" && streamPath != "/api/stream/" {
		custom := regexp.MustCompile(regexp.QuoteMeta(streamPath) + `(\d+)`)
		patterns = append([]*regexp.Regexp{custom}, patterns...)
	}
	return patterns
}

// audioID extracts an audiobook id from the URL shapes the application uses:
// the stream endpoint, a generic audio path, or an id query parameter.
func audioID(u *url.URL, patterns []*regexp.Regexp) (int64, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(u.Path); m != nil {
			if id, err := strconv.ParseInt(m[1], 10, 64); err == nil && id > 0 {
				return id, true
			}
		}
	}
	if v := u.Query().Get("id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}
