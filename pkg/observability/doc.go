// Package observability provides OpenTelemetry tracing and metrics for the
// ontology management service.
//
// # Setup
//
// Initialize the provider at startup and shut it down on exit:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "oms",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer obs.Shutdown(ctx)
//
// # Spans
//
//	ctx, span := obs.StartSpan(ctx, "merge.commit")
//	defer span.End()
//
// Or track a whole operation, RED metrics included:
//
//	ctx, done := obs.TrackOperation(ctx, "occ.update",
//		observability.CommitOperation(branch, commit, "ObjectType", id)...)
//	defer func() { done(err) }()
//
// # Domain metrics
//
//	obs.RecordLockAcquisition(ctx, "INDEXING", true)
//	obs.RecordOCCRetry(ctx, "ObjectType")
//	obs.RecordOutboxDelivery(ctx, "delivered")
//	obs.RecordConsumerLag(ctx, "schema_consumer", 12)
//
// # SLOs
//
// SLOTracker evaluates latency and success-rate objectives per operation
// (commit, merge, lock.acquire, relay.deliver, consumer.process) over a
// sliding window and reports error-budget burn rate.
package observability
