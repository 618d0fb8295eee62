// Package assets embeds the built web UI so the binary ships
// self-contained.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed dist
var embeddedAssets embed.FS

// UI returns the embedded frontend filesystem with the "dist" prefix
// stripped, or nil when no assets were built in
func UI() fs.FS {
	if _, err := embeddedAssets.ReadDir("dist"); err != nil {
		return nil
	}
	sub, err := fs.Sub(embeddedAssets, "dist")
	if err != nil {
		return nil
	}
	return sub
}
