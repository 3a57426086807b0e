package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the Prometheus registry that the exporter installed by
// [InitProvider] writes to.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
