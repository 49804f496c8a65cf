package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_http_requests_total",
			Help: "Total number of HTTP requests processed by the negotiation chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "negotiation_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "negotiation_ws_active_connections",
			Help: "Number of active websocket connections on this node.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_ws_events_total",
			Help: "Total number of inbound websocket events by outcome.",
		},
		[]string{"event", "result"},
	)
	chatTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_chat_transitions_total",
			Help: "Chat lifecycle transitions.",
		},
		[]string{"from", "to"},
	)
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_jobs_processed_total",
			Help: "Delayed jobs processed by type and result.",
		},
		[]string{"type", "result"},
	)
	batchFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "negotiation_message_batch_size",
			Help:    "Number of messages written per persistence flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "negotiation_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		chatTransitionsTotal,
		jobsProcessedTotal,
		batchFlushSize,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	wsEventsTotal.WithLabelValues(event, result).Inc()
}

func IncChatTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	chatTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncJob(jobType, result string) {
	jobsProcessedTotal.WithLabelValues(jobType, result).Inc()
}

func ObserveBatchFlush(size int) {
	batchFlushSize.Observe(float64(size))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
