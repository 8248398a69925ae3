// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Record: a ConfigRecord or SpectralRecord produced by the scanner
//   - StationConfig: the station snapshot carried by ConfigRecord
//   - Granularity: aggregation bucket size (Hourly, Daily, Weekly, Monthly)
//   - FrequencyBand, FrequencyIndex, AggregateBucket: aggregation output
package types
