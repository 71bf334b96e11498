package webhook

import (
	"bytes"
	"encoding/json"
	"mime"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// replyPaths are probed in order; the first non-empty string wins.
var replyPaths = [][]string{
	{"content"},
	{"message", "content"},
	{"message", "text"},
	{"message"},
	{"text"},
	{"response", "content"},
	{"response", "text"},
	{"response"},
	{"output"},
	{"reply"},
}

// ExtractReply pulls the reply text out of a webhook response body. A JSON
// array is probed through its first element and a JSON string is used as is.
// A non-JSON body is relayed only when it is plain text, both as declared by
// contentType (when set) and as sniffed from the body.
func ExtractReply(body []byte, contentType string) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		if !plainText(body, contentType) {
			return ""
		}
		return string(body)
	}
	return probe(decoded)
}

func plainText(body []byte, contentType string) bool {
	if ct := strings.TrimSpace(contentType); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "text/plain" {
			return false
		}
	}
	return mimetype.Detect(body).Is("text/plain")
}

func probe(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		if len(val) == 0 {
			return ""
		}
		return probe(val[0])
	case map[string]any:
		for _, path := range replyPaths {
			if s := lookupString(val, path); s != "" {
				return s
			}
		}
	}
	return ""
}

func lookupString(obj map[string]any, path []string) string {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	s, ok := cur.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

var (
	boldMarkers   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicMarkers = regexp.MustCompile(`__(.+?)__`)
	strikeMarkers = regexp.MustCompile(`~~(.+?)~~`)
)

// NormalizeMarkdown rewrites common markdown emphasis into the single-marker
// style the messaging network renders: **bold** → *bold*, __it__ → _it_,
// ~~strike~~ → ~strike~.
func NormalizeMarkdown(text string) string {
	text = boldMarkers.ReplaceAllString(text, "*$1*")
	text = italicMarkers.ReplaceAllString(text, "_${1}_")
	text = strikeMarkers.ReplaceAllString(text, "~$1~")
	return text
}
