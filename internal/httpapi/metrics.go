package httpapi

import (
	"entitysync/server/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

// methods a client sent that the server does not know share one label
const unknownMethodLabel = "unknown"

var apiResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "entitysync",
	Subsystem: "api",
	Name:      "responses_total",
	Help:      "The total number of /api responses, by request method and response type.",
},
	[]string{"method", "type"},
)

func init() {
	prometheus.MustRegister(apiResponses)
}

// reportResponse labels errors by their classification, successes by method.
func reportResponse(method protocol.Method, res protocol.ResponseData) {
	typ := "ok"
	if serverErr := res.Err(); serverErr != nil {
		typ = string(serverErr.Type)
	}
	apiResponses.WithLabelValues(methodLabel(method), typ).Inc()
}

func methodLabel(method protocol.Method) string {
	if !method.Known() {
		return unknownMethodLabel
	}
	return string(method)
}
