package api

import (
	"fmt"
	"html"
	"net/http"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
)

const swaggerPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8" />
  <title>%s %s</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
  window.onload = () => {
    SwaggerUIBundle({url: '/openapi.json', dom_id: '#swagger-ui'});
  };
  </script>
</body>
</html>`

// SwaggerHandler serves a Swagger UI page for the bridge API. The page
// title comes from the embedded document.
func SwaggerHandler() http.HandlerFunc {
	title, version := "mcpbridge", ""
	if doc := Spec(); doc != nil && doc.Info != nil {
		title, version = doc.Info.Title, doc.Info.Version
	}
	page := fmt.Sprintf(swaggerPage, html.EscapeString(title), html.EscapeString(version))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write([]byte(page)); err != nil {
			logx.Log.Error().Err(err).Msg("write swagger page")
		}
	}
}
