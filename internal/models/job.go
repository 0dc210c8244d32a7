package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusLeased    JobStatus = "leased"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusLeased, JobStatusCompleted, JobStatusFailed, JobStatusDead:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDead
}

// Job represents a row of the jobs table
type Job struct {
	ID             string          `json:"id" db:"id"`
	JobType        string          `json:"jobType" db:"job_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         JobStatus       `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	MaxAttempts    int             `json:"maxAttempts" db:"max_attempts"`
	AvailableAt    time.Time       `json:"availableAt" db:"available_at"`
	LeasedBy       *string         `json:"leasedBy,omitempty" db:"leased_by"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
	LastError      *string         `json:"lastError,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsClaimable reports whether a worker may lease the job at now: a pending job
// whose available_at has passed, or an orphaned lease that still has an attempt left.
func (j *Job) IsClaimable(now time.Time) bool {
	switch j.Status {
	case JobStatusPending:
		return !j.AvailableAt.After(now)
	case JobStatusLeased:
		return j.LeaseExpired(now) && j.Attempts+1 < j.MaxAttempts
	}
	return false
}

// LeaseExpired reports whether a leased job's lease ended before now
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// LeaseHeldBy reports whether workerID currently holds the lease
func (j *Job) LeaseHeldBy(workerID string) bool {
	return j.Status == JobStatusLeased && j.LeasedBy != nil && *j.LeasedBy == workerID
}

// Clone returns a deep copy so stores can hand out rows without sharing pointers
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LeasedBy != nil {
		v := *j.LeasedBy
		c.LeasedBy = &v
	}
	if j.LeaseExpiresAt != nil {
		v := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		c.LastError = &v
	}
	return &c
}

// QueueStats summarizes the jobs table for operators
type QueueStats struct {
	Counts             map[JobStatus]int `json:"counts"`
	OldestPendingAt    *time.Time        `json:"oldestPendingAt,omitempty"`
	ExpiredLeases      int               `json:"expiredLeases"`
	DeadLetteredByType map[string]int    `json:"deadLetteredByType,omitempty"`
}

// JobFilter narrows a job listing; zero values match everything
type JobFilter struct {
	Status  JobStatus
	JobType string
	Limit   int
}
