package api

import (
	"context"
	_ "embed"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	openapiDoc  *openapi3.T
	openapiJSON []byte
)

func init() {
	doc, err := LoadSpec()
	if err != nil {
		panic(err)
	}
	b, err := doc.MarshalJSON()
	if err != nil {
		panic(err)
	}
	openapiDoc = doc
	openapiJSON = b
}

// LoadSpec parses and validates the embedded OpenAPI document.
func LoadSpec() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiYAML)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, err
	}
	return doc, nil
}

// Spec returns the parsed OpenAPI document of the bridge HTTP API.
func Spec() *openapi3.T { return openapiDoc }

// OpenAPIHandler serves the OpenAPI document as JSON.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(openapiJSON); err != nil {
			logx.Log.Error().Err(err).Msg("write openapi")
		}
	}
}
