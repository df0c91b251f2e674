// Package models holds the record types shared between the dispatcher,
// the workers and the storage layer.
package models

import "time"

// DataSource describes one queryable backend. Options is an opaque,
// backend-specific configuration blob (typically JSON) handed to the
// runner factory as-is.
type DataSource struct {
	ID                 int    `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	Options            string `json:"options"`
	QueueName          string `json:"queue_name"`
	ScheduledQueueName string `json:"scheduled_queue_name"`
}

// Query is a stored query definition. TTL controls result reuse:
// -1 means the latest successful result never expires, 0 means results are
// never reused, a positive value is the reuse window in seconds.
type Query struct {
	ID           int    `json:"id"`
	DataSourceID int    `json:"data_source_id"`
	Text         string `json:"query"`
	Hash         string `json:"query_hash"`
	TTL          int    `json:"ttl"`
}

// QueryResult is one persisted execution output.
type QueryResult struct {
	ID           int       `json:"id"`
	DataSourceID int       `json:"data_source_id"`
	QueryHash    string    `json:"query_hash"`
	QueryText    string    `json:"query"`
	Data         []byte    `json:"data"`
	Runtime      float64   `json:"runtime"`
	RetrievedAt  time.Time `json:"retrieved_at"`
}

// OutdatedQuery pairs a stale query definition with its resolved data
// source, as returned by the store's outdated-queries scan.
type OutdatedQuery struct {
	Query      Query
	DataSource DataSource
}
