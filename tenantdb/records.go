// Package tenantdb holds the tenant, replica, and schema directories. They
// are the authoritative mapping from tenant identity to buckets, file
// keys, storage tier, and schema lineage.
package tenantdb

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default tenantdb errs class.
	Error = errs.Class("tenantdb")

	// ErrNotFound is returned when tenant, replica, or schema metadata is
	// missing.
	ErrNotFound = errs.Class("not found")

	// ErrAuthFailed is returned when the presented api key does not match.
	ErrAuthFailed = errs.Class("authorization failed")
)

// Tier is a tenant's storage placement.
type Tier string

const (
	// TierHot prefers the shared file system.
	TierHot Tier = "HOT"
	// TierCold materializes from object store only when needed.
	TierCold Tier = "COLD"
)

// OrDefault resolves an absent tier to COLD.
func (tier Tier) OrDefault() Tier {
	if tier == "" {
		return TierCold
	}
	return tier
}

// Time is a UTC timestamp that accepts both ISO strings and epoch seconds
// on read and always writes ISO.
type Time time.Time

// Now returns the current UTC time.
func Now() Time { return Time(time.Now().UTC()) }

// Std converts to the standard library representation.
func (t Time) Std() time.Time { return time.Time(t) }

// IsZero reports whether the timestamp is unset.
func (t Time) IsZero() bool { return time.Time(t).IsZero() }

// MarshalJSON writes the timestamp as an RFC 3339 UTC string, or null when
// unset.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339))
}

// UnmarshalJSON reads an ISO string (naive strings are UTC) or numeric
// epoch seconds.
func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		*t = Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Error.Wrap(err)
		}
		parsed, err := parseISO(s)
		if err != nil {
			return err
		}
		*t = Time(parsed)
		return nil
	}

	epoch, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return Error.New("unparseable timestamp %q", data)
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	*t = Time(time.Unix(sec, nsec).UTC())
	return nil
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, Error.New("unparseable timestamp %q", s)
}

// SchemaRefNone is the literal used for "no parent schema".
const SchemaRefNone = "NULL"

// Tenant is the directory record for one tenant.
type Tenant struct {
	ID              string `json:"tenant_id"`
	Name            string `json:"tenant_name"`
	APIKey          string `json:"api_key"`
	CurrentDBPath   string `json:"current_db_path,omitempty"`
	StorageTier     Tier   `json:"storage_tier,omitempty"`
	LastAccessedAt  Time   `json:"last_accessed_at,omitempty"`
	LastDemotedAt   Time   `json:"last_demoted_at,omitempty"`
	CreatedAt       Time   `json:"created_at,omitempty"`
	UpdatedAt       Time   `json:"updated_at,omitempty"`
	SchemaVersion   string `json:"schema_version,omitempty"`
	ParentSchemaRef string `json:"parent_schema_ref,omitempty"`
}

// Replica is the per-tenant bucket layout record.
type Replica struct {
	TenantID       string `json:"tenant_id"`
	PrimaryBucket  string `json:"primary_bucket"`
	ReadOnlyBucket string `json:"read_only_bucket"`
	StandbyBucket  string `json:"standby_bucket"`
	DBPath         string `json:"db_path"`
	LastUpdatedAt  Time   `json:"last_updated_at,omitempty"`
}

// Schema types.
const (
	SchemaTypeApplication = "APPLICATION"
	SchemaTypeCustom      = "CUSTOM"
	SchemaTypeTemplate    = "TEMPLATE"
)

// Schema is the directory record for one schema artifact.
type Schema struct {
	ID             string `json:"schema_id"`
	Name           string `json:"schema_name"`
	Type           string `json:"schema_type"`
	SQL            string `json:"schema_sql,omitempty"`
	S3Path         string `json:"s3_path,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	ParentSchemaID string `json:"parent_schema_id,omitempty"`
	CreatedAt      Time   `json:"created_at,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}

// ResolveDBPath returns the object key of the tenant's authoritative
// database file, preferring the tenant record over the replica record.
func ResolveDBPath(tenant *Tenant, replica *Replica) (string, error) {
	if tenant != nil && tenant.CurrentDBPath != "" {
		return tenant.CurrentDBPath, nil
	}
	if replica != nil && replica.DBPath != "" {
		return replica.DBPath, nil
	}
	return "", ErrNotFound.New("tenant %q has no database path", tenantID(tenant, replica))
}

func tenantID(tenant *Tenant, replica *Replica) string {
	if tenant != nil {
		return tenant.ID
	}
	if replica != nil {
		return replica.TenantID
	}
	return ""
}