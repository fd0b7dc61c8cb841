package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldMessageID     = "messageId"
	fieldName          = "name"
	fieldPayload       = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt    = "producedAt" // int64 ns
	fieldCodec         = "codec"
	fieldCorrelationID = "correlationId"
	fieldCausationID   = "causationId"
	fieldAggregateID   = "aggregateId"
	fieldAggregateName = "aggregateName"
	fieldTraceID       = "traceId"
	fieldMetaPrefix    = "meta:"
)
