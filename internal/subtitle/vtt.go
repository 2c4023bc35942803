// SPDX-License-Identifier: MIT

package subtitle

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// srtTimecode matches legacy comma-millisecond timecodes (SRT style).
var srtTimecode = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}),(\d{3})`)

// NormalizeToVTT converts a fetched subtitle body into WebVTT: BOM stripped,
// line endings normalized, comma-millisecond timecodes rewritten to
// dot-separated, header synthesized when absent.
func NormalizeToVTT(body []byte) []byte {
	out := bytes.TrimPrefix(body, utf8BOM)
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	out = srtTimecode.ReplaceAll(out, []byte("$1.$2"))

	trimmed := bytes.TrimLeft(out, "\n\t ")
	if !bytes.HasPrefix(trimmed, []byte("WEBVTT")) {
		out = append([]byte("WEBVTT\n\n"), bytes.TrimLeft(out, "\n")...)
	}
	return out
}

// LooksLikeHTML reports whether the body is an HTML document rather than
// subtitle text. Servers answer subtitle requests with login or error pages
// on auth failure; those must never reach the renderer.
func LooksLikeHTML(body []byte) bool {
	sample := body
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	lowered := strings.ToLower(string(bytes.TrimSpace(bytes.TrimPrefix(sample, utf8BOM))))
	if strings.HasPrefix(lowered, "<!doctype html") {
		return true
	}

	tz := html.NewTokenizer(bytes.NewReader(sample))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "html", "head", "body", "title", "meta":
				return true
			default:
				return false
			}
		case html.DoctypeToken:
			return true
		case html.TextToken:
			// Plain text before any tag is expected for subtitle bodies.
			if len(bytes.TrimSpace(tz.Text())) > 0 {
				return false
			}
		}
	}
}
