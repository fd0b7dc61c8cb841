package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xcqrs"
)

func decodeEntry(vals map[string]any) xcqrs.OutboxEntry {
	e := xcqrs.OutboxEntry{
		ID:            asString(vals[fieldID]),
		MessageID:     asString(vals[fieldMessageID]),
		Topic:         asString(vals[fieldName]),
		Codec:         asString(vals[fieldCodec]),
		CorrelationID: asString(vals[fieldCorrelationID]),
		CausationID:   asString(vals[fieldCausationID]),
		AggregateID:   asString(vals[fieldAggregateID]),
		AggregateName: asString(vals[fieldAggregateName]),
		TraceID:       asString(vals[fieldTraceID]),
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		e.Payload = p
	case string:
		e.Payload = []byte(p)
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			e.CreatedAt = time.Unix(0, ns)
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string, 4)
			}
			e.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return e
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
