package models

import (
	"fmt"
	"time"
)

// Direction identifies which side of a table pair a cursor tracks
type Direction string

const (
	// DirectionPull tracks changes read from the remote side
	DirectionPull Direction = "pull"
	// DirectionPush tracks changes read from the local side
	DirectionPush Direction = "push"
)

// Valid reports whether d is pull or push
func (d Direction) Valid() bool {
	return d == DirectionPull || d == DirectionPush
}

// ParseDirection converts a string into a Direction
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid direction %q: want pull or push", s)
	}
	return d, nil
}

// SyncCursor is the high-water mark for one table in one direction
type SyncCursor struct {
	TableName string    `json:"tableName" db:"table_name"`
	Direction Direction `json:"direction" db:"direction"`
	Watermark int64     `json:"watermark" db:"watermark"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Origin records which side a change was read from
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeRecord is a full row image read from one side. Version is the
// watermark value of the row and is also present in Payload. Numeric columns
// read from Postgres arrive in Payload as json.Number.
type ChangeRecord struct {
	TableName string         `json:"tableName"`
	RowID     string         `json:"rowId"`
	Version   int64          `json:"version"`
	Payload   map[string]any `json:"payload"`
	Origin    Origin         `json:"origin"`
}

// Resolution describes how a conflict was settled
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	// ResolutionMerged is reserved; last-writer-wins never produces it
	ResolutionMerged Resolution = "merged"
)

// ConflictRecord is the audit entry written for every resolved conflict
type ConflictRecord struct {
	TableName     string         `json:"tableName"`
	RowID         string         `json:"rowId"`
	LocalVersion  int64          `json:"localVersion"`
	RemoteVersion int64          `json:"remoteVersion"`
	Resolution    Resolution     `json:"resolution"`
	ResolvedValue map[string]any `json:"resolvedValue"`
	ResolvedAt    time.Time      `json:"resolvedAt"`
}

// TableSpec names a synchronized table and its key and version columns. Both
// sides must share the same DDL.
type TableSpec struct {
	Name          string `json:"name"`
	IDColumn      string `json:"idColumn"`
	VersionColumn string `json:"versionColumn"`
}
