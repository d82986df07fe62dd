package metrics

import (
	"strings"
	"time"
)

// RecordDBOperation records storage operation metrics consistently
// backend: storage backend name (e.g., "postgres", "dynamodb", "file")
// operation: operation name (e.g., "save_pending", "get_verified", "list_pending")
// duration: time taken for the operation
// rowsReturned: number of records returned (-1 if not applicable)
// err: error from the operation (nil if successful)
func RecordDBOperation(backend, operation string, duration time.Duration, rowsReturned int64, err error) {
	ms := float64(duration.Milliseconds())
	DBDuration.WithLabelValues(backend, operation).Observe(ms)

	if rowsReturned >= 0 {
		DBRowsReturned.WithLabelValues(backend, operation).Observe(float64(rowsReturned))
	}

	status := "success"
	if err != nil {
		status = "error"
		DBErrors.WithLabelValues(backend, operation, classifyDBError(err)).Inc()
	}
	DBOperations.WithLabelValues(backend, operation, status).Inc()
}

// classifyDBError categorizes storage errors for metrics
func classifyDBError(err error) string {
	if err == nil {
		return "none"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "not found") || strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect"):
		return "connection"
	case strings.Contains(errStr, "throttl") || strings.Contains(errStr, "provisionedthroughput"):
		return "throttled"
	case strings.Contains(errStr, "permission") || strings.Contains(errStr, "accessdenied"):
		return "permission"
	case strings.Contains(errStr, "constraint"):
		return "constraint"
	case strings.Contains(errStr, "syntax") || strings.Contains(errStr, "unmarshal") || strings.Contains(errStr, "invalid character"):
		return "decode"
	default:
		return "other"
	}
}
