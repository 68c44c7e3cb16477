package api

import (
	_ "embed"
	"net/http"
)

//go:embed static/openapi.yaml
var openAPISpec []byte

// docsPage renders the embedded OpenAPI document with Swagger UI.
const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>mirrorurl API</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="docs"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
window.onload = () => SwaggerUIBundle({url: '/openapi.yaml', dom_id: '#docs', deepLinking: true});
</script>
</body>
</html>`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.serveStatic(w, r, "application/yaml", openAPISpec)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	s.serveStatic(w, r, "text/html; charset=utf-8", []byte(docsPage))
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
}
