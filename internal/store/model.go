package store

import "time"

// LogicalResource is the identity of a record across all its versions. One
// row per (resourceType, logicalID); mutated on every write, physically
// removed only by Erase.
type LogicalResource struct {
	ID             int64
	ResourceType   string
	LogicalID      string
	CurrentVersion int
	LastUpdated    time.Time
	IsDeleted      bool
}

// ResourceVersion is one immutable historical instance of a logical
// resource. Payload may be offloaded, in which case only PayloadKey is set
// and the bytes live behind the payload store.
type ResourceVersion struct {
	LogicalResourceID int64
	ResourceType      string
	LogicalID         string
	VersionID         int
	Payload           []byte
	PayloadKey        string
	LastUpdated       time.Time
	IsDeleted         bool
}

// Match is one search result row: enough to hydrate the resource via Read
// or VersionRead.
type Match struct {
	LogicalResourceID int64
	ResourceType      string
	LogicalID         string
	Version           int
	LastUpdated       time.Time
}
