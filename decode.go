package xcqrs

// Decode unmarshals data into a typed value using the provided codec.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// DecodeEntry decodes an outbox entry payload with the codec named in the
// entry.
func DecodeEntry[T any](e OutboxEntry) (T, error) {
	name := e.Codec
	if name == "" {
		name = "json"
	}
	c, err := NewCodec(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](c, e.Payload)
}
