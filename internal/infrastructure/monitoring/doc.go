/*
Package monitoring provides Prometheus metrics for the server.

It tracks HTTP requests, terminal lifecycle, WebSocket traffic and logins.
*Metrics implements the metrics hooks of the terminal registry and the
connection bridge, so one collector observes the whole server.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	registry.WithMetrics(metrics)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
