package metrics

import "go.opentelemetry.io/otel/attribute"

func tableAttr(table string) attribute.KeyValue {
	return attribute.String("table", table)
}
