// Command x402demo is a reference x402 resource server. It wires the
// net/http (go-chi) payment middleware to a handful of sample paid
// endpoints, with routes declared in a yaml file rather than Go literals.
package main

import (
	"flag"
	"net/http"
	"os"
	"strings"

	gochi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	evmserver "github.com/x402-io/x402/go/mechanisms/evm/exact/server"
	x402chi "github.com/x402-io/x402/go/http/chi"
	x402http "github.com/x402-io/x402/go/http"
)

var handlersByPath = map[string]http.HandlerFunc{
	"GET /api/weather":        handleWeather,
	"POST /api/echo":          handleEcho,
	"GET /api/premium-report": handlePremiumReport,
}

func main() {
	routesPath := flag.String("routes", envOr("X402DEMO_ROUTES", "cmd/x402demo/routes.example.yaml"), "path to the yaml route configuration")
	addr := flag.String("addr", envOr("X402DEMO_ADDR", ":8787"), "listen address")
	facilitatorURL := flag.String("facilitator-url", envOr("X402DEMO_FACILITATOR_URL", "http://localhost:8080"), "facilitator service base URL")
	dev := flag.Bool("dev", envOr("X402DEMO_ENV", "development") == "development", "enable human-readable console logging")
	flag.Parse()

	if *dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	routes, schemas, err := loadRoutes(*routesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *routesPath).Msg("failed to load route configuration")
	}
	log.Info().Int("routes", len(routes)).Str("path", *routesPath).Msg("loaded route configuration")

	facilitator := x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{URL: *facilitatorURL})

	payment := x402chi.X402Payment(x402chi.Config{
		Routes:      routes,
		Facilitator: facilitator,
		Schemes: []x402chi.SchemeConfig{
			{Network: "eip155:8453", Server: evmserver.NewExactEvmScheme()},
			{Network: "eip155:84532", Server: evmserver.NewExactEvmScheme()},
			{Network: "eip155:1", Server: evmserver.NewExactEvmScheme()},
		},
		SyncFacilitatorOnStart: true,
	})

	router := gochi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"PAYMENT-REQUIRED", "PAYMENT-RESPONSE"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)
	router.Use(payment)

	for pattern, handler := range handlersByPath {
		method, path, ok := splitPattern(pattern)
		if !ok {
			log.Fatal().Str("pattern", pattern).Msg("malformed route pattern, expected \"METHOD /path\"")
		}
		router.Method(method, path, withSchemaValidation(schemas[pattern], handler))
	}

	log.Info().Str("addr", *addr).Str("facilitator", *facilitatorURL).Msg("starting x402 demo resource server")
	if err := http.ListenAndServe(*addr, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func splitPattern(pattern string) (method, path string, ok bool) {
	parts := strings.Fields(pattern)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), parts[1], true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
