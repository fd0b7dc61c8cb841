// Package redisstream publishes outbox entries to Redis Streams.
//
// Each entry becomes one XADD with flat fields (id, name, payload,
// producedAt, correlation and aggregate headers, meta:* metadata). Entries
// go to Config.Stream when set, otherwise to StreamPrefix + topic.
//
// Example relay wiring:
//
//	pub, err := redisstream.NewPublisher(redisstream.Config{Addr: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	defer pub.Close()
//	relay := outbox.NewRelay(store, pub, outbox.Config{})
//	go relay.Run(ctx)
package redisstream
