package chi

import (
	"net/http"
	"time"

	x402 "github.com/x402-io/x402/go"
	x402http "github.com/x402-io/x402/go/http"
)

// Config provides struct-based configuration for x402 payment middleware —
// a cleaner alternative to the variadic options pattern.
type Config struct {
	Routes x402http.RoutesConfig

	// Facilitator is a single facilitator client (most common case). Use
	// this OR Facilitators, not both.
	Facilitator  x402.FacilitatorClient
	Facilitators []x402.FacilitatorClient

	Schemes                []SchemeConfig
	SyncFacilitatorOnStart bool
	Timeout                time.Duration
	ErrorHandler           func(http.ResponseWriter, *http.Request, error)
	SettlementHandler      func(http.ResponseWriter, *http.Request, *x402.SettleResponse)
}

// SchemeConfig configures a payment scheme for a network.
type SchemeConfig struct {
	Network x402.Network
	Server  x402.SchemeNetworkServer
}

// X402Payment creates payment middleware from struct-based configuration.
func X402Payment(config Config) func(http.Handler) http.Handler {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	var facilitators []x402.FacilitatorClient
	if config.Facilitator != nil {
		facilitators = append(facilitators, config.Facilitator)
	}
	facilitators = append(facilitators, config.Facilitators...)

	opts := []MiddlewareOption{
		WithSyncFacilitatorOnStart(config.SyncFacilitatorOnStart || len(facilitators) > 0),
		WithTimeout(config.Timeout),
	}

	for _, facilitator := range facilitators {
		opts = append(opts, WithFacilitatorClient(facilitator))
	}
	for _, scheme := range config.Schemes {
		opts = append(opts, WithScheme(scheme.Network, scheme.Server))
	}
	if config.ErrorHandler != nil {
		opts = append(opts, WithErrorHandler(config.ErrorHandler))
	}
	if config.SettlementHandler != nil {
		opts = append(opts, WithSettlementHandler(config.SettlementHandler))
	}

	return PaymentMiddlewareFromConfig(config.Routes, opts...)
}

// SimpleX402Payment creates middleware with minimal configuration: a single
// "exact" scheme payment option applied to every route.
func SimpleX402Payment(payTo string, price string, network x402.Network, facilitatorURL string) func(http.Handler) http.Handler {
	facilitator := x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{URL: facilitatorURL})

	routes := x402http.RoutesConfig{
		"*": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: payTo, Price: x402.Price(price), Network: network},
			},
		},
	}

	return X402Payment(Config{
		Routes:                 routes,
		Facilitator:            facilitator,
		SyncFacilitatorOnStart: true,
	})
}
