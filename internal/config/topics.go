package config

const (
	// TopicIngestDocument carries documents queued for asynchronous ingestion.
	TopicIngestDocument = "ingest.document"

	// ChannelIngestWorker is the consumer channel of the ingestion worker.
	ChannelIngestWorker = "tubeqa_ingest"
)
