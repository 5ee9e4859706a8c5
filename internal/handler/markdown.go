package handler

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
	)
	sanitizer = bluemonday.UGCPolicy()
)

// renderNotes 把备注渲染为经过清洗的 HTML，失败时返回空字符串
func renderNotes(notes string) string {
	if strings.TrimSpace(notes) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(notes), &buf); err != nil {
		return ""
	}
	return string(sanitizer.SanitizeBytes(buf.Bytes()))
}
