package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrBackend = "backend"
	attrState   = "state"
	attrOp      = "op"
)

func backendAttr(backendID string) attribute.KeyValue {
	return attribute.String(attrBackend, backendID)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}
