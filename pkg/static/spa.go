// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package static serves the front-end build output for requests no proxy
// rule claims.
package static

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves files from a filesystem and falls back to index.html for
// extensionless paths that do not exist, so client-side routes resolve.
// Missing paths with an extension are real asset requests and get a 404.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
}

// NewSPAHandler creates a handler over fsys, typically os.DirFS(dir).
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := path.Clean("/" + r.URL.Path)
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if _, err := fs.Stat(h.filesystem, strings.TrimPrefix(urlPath, "/")); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}
