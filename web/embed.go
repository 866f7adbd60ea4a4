package web

import "embed"

// FS holds the bench dashboard.
//
//go:embed *.html *.css *.js
var FS embed.FS
