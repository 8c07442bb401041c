package store

import (
	"time"

	"github.com/google/uuid"
)

// JobMode selects which worker arm handles a reactive job.
type JobMode string

const (
	ModeClassify JobMode = "classify"
	ModeExecute  JobMode = "execute"
	ModeAnswer   JobMode = "answer"
)

// JobStatus is the lifecycle state of a reactive job.
// Terminal states (done, failed, canceled, superseded) never change.
type JobStatus string

const (
	JobQueued            JobStatus = "queued"
	JobRunning           JobStatus = "running"
	JobAwaitingApproval  JobStatus = "awaiting_approval"
	JobDone              JobStatus = "done"
	JobFailed            JobStatus = "failed"
	JobCanceled          JobStatus = "canceled"
	JobSuperseded        JobStatus = "superseded"
)

// ApprovalStatus is the lifecycle state of an approval handshake.
// Only pending may transition; every other state is terminal.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalRejected   ApprovalStatus = "rejected"
	ApprovalSuperseded ApprovalStatus = "superseded"
	ApprovalExpired    ApprovalStatus = "expired"
)

// ArtifactKind tags the derived content attached to a message.
type ArtifactKind string

const (
	ArtifactVoiceTranscript ArtifactKind = "voice_transcript"
	ArtifactImageStruct     ArtifactKind = "image_struct"
	ArtifactOCRText         ArtifactKind = "ocr_text"
	ArtifactFileMeta        ArtifactKind = "file_meta"
	ArtifactToolResult      ArtifactKind = "tool_result"
)

// ArtifactStatus tracks processor progress on an artifact.
type ArtifactStatus string

const (
	ArtifactPending    ArtifactStatus = "pending"
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactDone       ArtifactStatus = "done"
	ArtifactFailed     ArtifactStatus = "failed"
)

// LedgerScope separates reactive (user-triggered, unbounded) from proactive
// (autonomous, daily-budgeted) token spend.
type LedgerScope string

const (
	ScopeReactive  LedgerScope = "reactive"
	ScopeProactive LedgerScope = "proactive"
)

// DeploymentStatus is the promotion state machine.
type DeploymentStatus string

const (
	DeployBuilding   DeploymentStatus = "building"
	DeployTesting    DeploymentStatus = "testing"
	DeployDeploying  DeploymentStatus = "deploying"
	DeployHealthy    DeploymentStatus = "healthy"
	DeployRolledBack DeploymentStatus = "rolled_back"
	DeployFailed     DeploymentStatus = "failed"
)

// IsTerminal reports whether a deployment status can no longer change.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeployHealthy || s == DeployRolledBack || s == DeployFailed
}

// ToolApprovalStatus mirrors ApprovalStatus for gated tool calls.
type ToolApprovalStatus string

const (
	ToolApprovalPending  ToolApprovalStatus = "pending"
	ToolApprovalApproved ToolApprovalStatus = "approved"
	ToolApprovalRejected ToolApprovalStatus = "rejected"
	ToolApprovalExpired  ToolApprovalStatus = "expired"
)

// TaskSource distinguishes work assigned by the owner from self-generated work.
// Master-sourced tasks always outrank self-sourced tasks.
type TaskSource string

const (
	TaskSourceMaster TaskSource = "master"
	TaskSourceSelf   TaskSource = "self"
)

// TaskStatus is the backlog state of a task or goal.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCanceled   TaskStatus = "canceled"
)

// Thread identifies one conversation scope on a platform.
type Thread struct {
	ID             uuid.UUID
	Platform       string
	ExternalChatID string
	ChatType       string
	Title          string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one turn in a thread. Immutable after insert except EditedAt.
type Message struct {
	ID                uuid.UUID
	ThreadID          uuid.UUID
	ExternalMessageID string // empty for locally originated messages
	Role              string // user, assistant, system
	AuthorID          string // empty for assistant/system
	Text              string
	RawPayload        []byte
	CreatedAt         time.Time
	EditedAt          *time.Time
}

// Artifact is derived data for a message, produced by out-of-process workers.
type Artifact struct {
	ID           uuid.UUID
	MessageID    uuid.UUID
	Kind         ArtifactKind
	Content      string
	URI          string
	Status       ArtifactStatus
	AttemptCount int
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReactiveJob is a unit of scheduled work attached to a trigger message.
type ReactiveJob struct {
	ID               uuid.UUID
	ThreadID         uuid.UUID
	TriggerMessageID uuid.UUID
	Mode             JobMode
	Status           JobStatus
	Payload          []byte // mode-specific input (classification for execute jobs)
	Classification   []byte
	ApprovalID       *uuid.UUID
	WorkerID         string
	AttemptCount     int
	Result           string
	Error            string
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Approval is a confirmation handshake bound 1:1 to an execute job.
type Approval struct {
	ID               uuid.UUID
	ThreadID         uuid.UUID
	JobID            uuid.UUID
	ProposalText     string
	ControlMessageID string
	Status           ApprovalStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ResolvedAt       *time.Time
	ResolverID       string
}

// LedgerEntry records token usage for one model call. Append-only.
type LedgerEntry struct {
	ID          uuid.UUID
	Scope       LedgerScope
	Provider    string
	Model       string
	TokensIn    int64
	TokensOut   int64
	TokensTotal int64
	Cost        float64
	Meta        map[string]string
	CreatedAt   time.Time
}

// Deployment is one promotion attempt with verify-then-promote semantics.
type Deployment struct {
	ID             uuid.UUID
	CommitID       string
	Branch         string
	Trigger        string
	Status         DeploymentStatus
	Report         string
	RollbackReason string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// ToolApproval is a gated tool-use request from the proactive loop.
type ToolApproval struct {
	ID        uuid.UUID
	ToolName  string
	Input     []byte
	Reasoning string
	Status    ToolApprovalStatus
	Response  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MemoryEntry is a long-term key/value note written by the autonomous loop.
type MemoryEntry struct {
	Key       string
	Value     string
	Category  string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is one item of the priority-ordered backlog. Tasks form a hierarchy:
// completing the last pending child auto-completes the parent.
type Task struct {
	ID          uuid.UUID
	ParentID    *uuid.UUID
	GoalID      *uuid.UUID
	Source      TaskSource
	Priority    int
	Status      TaskStatus
	Title       string
	Detail      string
	OrderIndex  int
	Schedule    string // optional cron expression for recurring tasks
	LastRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Goal groups tasks under a longer-horizon objective.
type Goal struct {
	ID        uuid.UUID
	Title     string
	Detail    string
	Priority  int
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewID returns a time-ordered UUID for row ids.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
