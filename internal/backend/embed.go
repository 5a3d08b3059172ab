package backend

import "embed"

// Defaults holds the built-in backend descriptions written to a fresh
// backend directory the first time it's opened.
//
//go:embed defaults/*.yaml
var Defaults embed.FS
