package handlers

import (
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"

	"github.com/ccmux/ccmux/internal/assets"
)

// ServeUI serves the embedded web UI
func ServeUI() fiber.Handler {
	ui := assets.UI()
	if ui == nil {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).SendString("web UI not embedded in this build")
		}
	}

	return filesystem.New(filesystem.Config{
		Root:   http.FS(ui),
		Browse: false,
		Index:  "index.html",
	})
}

// ServeSPA is the catch-all fallback: unknown paths get index.html so
// client-side routing works on deep links
func ServeSPA(c *fiber.Ctx) error {
	ui := assets.UI()
	if ui == nil {
		return c.Status(fiber.StatusNotFound).SendString("web UI not embedded in this build")
	}

	path := filepath.Clean(strings.TrimPrefix(c.Path(), "/"))
	if path == "" || path == "." {
		path = "index.html"
	}

	if data, err := fs.ReadFile(ui, path); err == nil {
		c.Type(strings.TrimPrefix(filepath.Ext(path), "."))
		return c.Send(data)
	}

	if data, err := fs.ReadFile(ui, "index.html"); err == nil {
		c.Type("html")
		return c.Send(data)
	}
	return c.Status(fiber.StatusNotFound).SendString("asset not found")
}
