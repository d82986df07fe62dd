package metrics

import (
	"errors"
	"testing"
)

func TestClassifyDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "none"},
		{name: "no rows", err: errors.New("sql: no rows in result set"), expected: "not_found"},
		{name: "deadline", err: errors.New("context deadline exceeded"), expected: "timeout"},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), expected: "connection"},
		{name: "dynamo throttling", err: errors.New("ProvisionedThroughputExceededException"), expected: "throttled"},
		{name: "access denied", err: errors.New("AccessDeniedException: not allowed"), expected: "permission"},
		{name: "bad json", err: errors.New("invalid character 'x' looking for beginning of value"), expected: "decode"},
		{name: "other", err: errors.New("boom"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifyDBError(tt.err)
			if result != tt.expected {
				t.Errorf("classifyDBError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}
