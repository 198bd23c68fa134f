// Package web provides the embedded splash overlay page.
package web

import "embed"

// StaticFiles holds the overlay page served at /.
//
//go:embed static
var StaticFiles embed.FS
