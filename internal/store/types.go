package store

import (
	"encoding/json"
	"time"
)

// ProgramStatus enumerates the lifecycle of a tracked program.
type ProgramStatus string

const (
	StatusPending    ProgramStatus = "pending"
	StatusProcessing ProgramStatus = "processing"
	StatusDocumented ProgramStatus = "documented"
	StatusFailed     ProgramStatus = "failed"
)

// ProgramMetadata is the index record for a program the agent has touched.
// When Status is StatusDocumented, IDLHash matches the hash stored in the
// corresponding Documentation and IDLCache entries.
type ProgramMetadata struct {
	ProgramID        string        `json:"programId"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	InstructionCount int           `json:"instructionCount"`
	AccountCount     int           `json:"accountCount"`
	Status           ProgramStatus `json:"status"`
	IDLHash          string        `json:"idlHash"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
}

// QueueItem is one entry in the work queue. At most one item exists per
// program id.
type QueueItem struct {
	ProgramID string        `json:"programId"`
	Status    ProgramStatus `json:"status"`
	AddedAt   time.Time     `json:"addedAt"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
}

// QueueDisposition describes what AddToQueue did with a submission.
type QueueDisposition string

const (
	QueueCreated  QueueDisposition = "created"
	QueueRequeued QueueDisposition = "requeued"
	QueueExists   QueueDisposition = "exists"
)

// IDLCache is the persisted copy of a program's interface description. The
// document itself is opaque; Hash is the canonical content hash.
type IDLCache struct {
	ProgramID string          `json:"programId"`
	IDL       json.RawMessage `json:"idl"`
	Hash      string          `json:"hash"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Documentation is the generated output for one program.
type Documentation struct {
	ProgramID    string    `json:"programId"`
	Name         string    `json:"name"`
	Overview     string    `json:"overview"`
	Instructions string    `json:"instructions"`
	Accounts     string    `json:"accounts"`
	Security     string    `json:"security"`
	FullMarkdown string    `json:"fullMarkdown"`
	GeneratedAt  time.Time `json:"generatedAt"`
	IDLHash      string    `json:"idlHash"`
}

// Stats is the fold of the program index by terminal status.
type Stats struct {
	Documented int `json:"documented"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
