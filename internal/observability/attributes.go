// Package observability provides the daemon's metrics instruments.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrCommand = "command"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/jane.doe/202608230001 -> /v1/jobs/{user}/{job}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func commandAttr(command string) attribute.KeyValue {
	return attribute.String(attrCommand, command)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces the username and job segments of job lookups with
// placeholders so every job does not mint its own metric series.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) <= len(prefix) || !strings.HasPrefix(path, prefix) {
		return path
	}
	if strings.HasSuffix(path, "/files") {
		return "/v1/jobs/{user}/{job}/files"
	}
	return "/v1/jobs/{user}/{job}"
}
