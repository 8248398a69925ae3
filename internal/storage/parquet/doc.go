// Package parquet archives aggregated buckets as Parquet files.
//
// Each bucket is written to its own file,
// <dir>/<station>/<granularity>/<bucket start>.parquet, with one row per
// frequency band. Rewriting a bucket replaces its file. The files can be
// read back with BandReader or queried in place by DuckDB.
package parquet
