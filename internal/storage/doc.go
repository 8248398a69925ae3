// Package storage wires the spectra storage pipeline together.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│ Duty-cycle  │────▶│  Raw file   │
//	│   Manager   │     │    Gate     │     │   Writer    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │ sealed
//	                           ┌───────────────────┤
//	                           ▼                   ▼
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │  Retention  │     │   Durable   │
//	                    │   Sweeper   │     │    Queue    │
//	                    └─────────────┘     └─────────────┘
//	                                               │
//	                                               ▼
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │   Parquet   │◀────│ Aggregation │
//	                    │   Archive   │     │   Engine    │
//	                    └─────────────┘     └─────────────┘
//	                                               │
//	                                               ▼
//	                                        ┌─────────────┐
//	                                        │  Aggregate  │
//	                                        │   Table     │
//	                                        └─────────────┘
//
// Producers enqueue config and spectral records; a single consumer writes
// admitted records into time-bucketed raw files. Every sealed file is swept
// against the retention window and announced on the durable queue, from
// which the aggregation engine rebuilds the hourly, daily, weekly and
// monthly statistics of the buckets the file touches.
package storage
