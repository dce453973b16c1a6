// Package figma recognizes Figma render tools and extracts trusted preview
// links from their results.
package figma

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

var renderTools = map[string]struct{}{
	"figma.generate_diagram": {},
	"figma.generate_deck":    {},
	"figma.generate_asset":   {},
	"figma_generate_diagram": {},
	"figma_generate_deck":    {},
	"figma_generate_asset":   {},
}

var allowedHosts = map[string]struct{}{
	"figma.com":     {},
	"www.figma.com": {},
}

var (
	serverToolPattern = regexp.MustCompile(`(?i)generate_(diagram|deck|asset)`)
	previewPattern    = regexp.MustCompile(`(?i)https://(?:www\.)?figma\.com/[^\s"'<>)]+`)
)

// RenderCapable reports whether the tool produces Figma output that can be
// previewed inline.
func RenderCapable(server, tool string) bool {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return false
	}
	if _, ok := renderTools[tool]; ok {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(server), "figma") {
		return serverToolPattern.MatchString(tool)
	}
	return false
}

// TrustedPreviewURL scans the JSON form of v for the first figma.com link and
// returns it when the host is on the allow list. It returns "" otherwise.
func TrustedPreviewURL(v any) string {
	if v == nil {
		v = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}

	match := previewPattern.Find(buf.Bytes())
	if match == nil {
		return ""
	}
	u, err := url.Parse(string(match))
	if err != nil {
		return ""
	}
	if _, ok := allowedHosts[strings.ToLower(u.Hostname())]; !ok {
		return ""
	}
	if !strings.HasPrefix(u.EscapedPath(), "/") {
		return ""
	}
	return u.String()
}
