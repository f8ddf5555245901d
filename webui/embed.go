// Package webui exposes the embedded dashboard page.
// It lives at the module root so it can embed the sibling "web/" directory;
// internal/server/embed.go serves it.
package webui

import "embed"

// FS holds web/index.html, a single-page dashboard that polls /data.
//
//go:embed web
var FS embed.FS
