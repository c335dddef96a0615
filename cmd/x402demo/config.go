package main

import (
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	x402 "github.com/x402-io/x402/go"
	x402http "github.com/x402-io/x402/go/http"
)

// routesFile is the on-disk shape of the demo's route configuration, a
// declarative alternative to building RoutesConfig as Go literals.
type routesFile struct {
	Routes []routeSpec `yaml:"routes"`
}

type routeSpec struct {
	Path              string                 `yaml:"path"`
	Scheme            string                 `yaml:"scheme"`
	PayTo             string                 `yaml:"payTo"`
	Price             string                 `yaml:"price"`
	Network           string                 `yaml:"network"`
	MaxTimeoutSeconds int                    `yaml:"maxTimeoutSeconds"`
	Description       string                 `yaml:"description"`
	MimeType          string                 `yaml:"mimeType"`
	InputSchema       map[string]interface{} `yaml:"inputSchema"`
	OutputSchema      map[string]interface{} `yaml:"outputSchema"`
}

// routeSchemas carries the compiled, optional JSON schemas for one route,
// keyed the same way as the route pattern in RoutesConfig.
type routeSchemas struct {
	Input  *gojsonschema.Schema
	Output *gojsonschema.Schema
}

// loadRoutes reads a yaml route file and returns both the RoutesConfig for
// the payment middleware and the compiled request/response schemas for any
// route that declared inputSchema/outputSchema. A malformed schema fails
// the load rather than surfacing at request time.
func loadRoutes(path string) (x402http.RoutesConfig, map[string]routeSchemas, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading routes file: %w", err)
	}

	var file routesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing routes file: %w", err)
	}

	routes := make(x402http.RoutesConfig, len(file.Routes))
	schemas := make(map[string]routeSchemas, len(file.Routes))

	for _, spec := range file.Routes {
		if spec.Path == "" {
			return nil, nil, fmt.Errorf("route missing path")
		}
		if spec.MaxTimeoutSeconds == 0 {
			spec.MaxTimeoutSeconds = 300
		}

		routes[spec.Path] = x402http.RouteConfig{
			Description: spec.Description,
			MimeType:    spec.MimeType,
			Accepts: x402http.PaymentOptions{
				{
					Scheme:            spec.Scheme,
					PayTo:             spec.PayTo,
					Price:             x402.Price(spec.Price),
					Network:           x402.Network(spec.Network),
					MaxTimeoutSeconds: spec.MaxTimeoutSeconds,
				},
			},
		}

		var compiled routeSchemas
		if spec.InputSchema != nil {
			compiled.Input, err = compileSchema(spec.InputSchema)
			if err != nil {
				return nil, nil, fmt.Errorf("route %q: compiling inputSchema: %w", spec.Path, err)
			}
		}
		if spec.OutputSchema != nil {
			compiled.Output, err = compileSchema(spec.OutputSchema)
			if err != nil {
				return nil, nil, fmt.Errorf("route %q: compiling outputSchema: %w", spec.Path, err)
			}
		}
		schemas[spec.Path] = compiled
	}

	return routes, schemas, nil
}

func compileSchema(document map[string]interface{}) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewGoLoader(document)
	return gojsonschema.NewSchema(loader)
}
