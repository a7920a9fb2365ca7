// Package replication carries committed snapshots to the standby bucket
// in the secondary region.
package replication

import (
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default replication errs class.
	Error = errs.Class("replication")
)

// Event is published by the write pipeline after every committed write and
// consumed by the fan-out worker.
type Event struct {
	TenantName       string `json:"tenant_name"`
	TenantID         string `json:"tenant_id"`
	SnapshotBucket   string `json:"snapshot_bucket"`
	SnapshotS3Key    string `json:"snapshot_s3_key"`
	SnapshotFilename string `json:"snapshot_filename"`
	PrimaryBucket    string `json:"primary_bucket"`
	DBPath           string `json:"db_path"`
	ReadOnlyBucket   string `json:"read_only_bucket"`
	StandbyBucket    string `json:"standby_bucket"`
	Timestamp        string `json:"timestamp"`
	RowsAffected     int64  `json:"rows_affected"`
	StorageTier      string `json:"storage_tier"`
	DBSource         string `json:"db_source"`
}

// envelope is the outer wrapper some bus transports add around the event.
type envelope struct {
	Message string `json:"Message"`
}

// ParseEvent decodes a bus message, unwrapping an outer envelope when one
// is present.
func ParseEvent(raw []byte) (*Event, error) {
	var outer envelope
	if err := json.Unmarshal(raw, &outer); err == nil && outer.Message != "" {
		raw = []byte(outer.Message)
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, Error.New("undecodable replication event: %w", err)
	}
	if event.SnapshotBucket == "" || event.SnapshotS3Key == "" || event.StandbyBucket == "" || event.DBPath == "" {
		return nil, Error.New("replication event missing required fields")
	}
	return &event, nil
}
