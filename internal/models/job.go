package models

import (
	"time"
)

// JobKind selects the pipeline a worker runs for a job.
type JobKind string

const (
	KindSingleConvert   JobKind = "single-convert"
	KindBulkConvertItem JobKind = "bulk-convert-item"
	KindCSVProductItem  JobKind = "csv-product-item"
	KindManifestRender  JobKind = "manifest-render"
)

// Valid reports whether k is one of the known kinds.
func (k JobKind) Valid() bool {
	switch k {
	case KindSingleConvert, KindBulkConvertItem, KindCSVProductItem, KindManifestRender:
		return true
	}
	return false
}

// Job lifecycle: queued -> processing -> completed | error.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// Job is a tracked unit of render work.
type Job struct {
	ID      string  `json:"id"`
	Kind    JobKind `json:"kind"`
	Title   string  `json:"title,omitempty"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	// ErrorCode is set when Status is error.
	ErrorCode   string     `json:"error_code,omitempty"`
	DownloadRef string     `json:"download_ref,omitempty"`
	ArtifactIDs []string   `json:"artifact_ids,omitempty"`
	Outcomes    []Outcome  `json:"outcomes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// Payload is the kind-specific input. It never leaves the process.
	Payload any `json:"-"`
}

// Outcome records the result of one unit inside a batch job, e.g. one CSV row.
type Outcome struct {
	Unit       int    `json:"unit"`
	Title      string `json:"title"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// ConvertPayload is the input of single-convert and bulk-convert-item jobs.
type ConvertPayload struct {
	InputPath    string `json:"input_path"`
	OriginalName string `json:"original_name"`
}

// CSVPayload is the input of csv-product-item jobs.
type CSVPayload struct {
	CSVPath string         `json:"csv_path"`
	Options ProductOptions `json:"options"`
}

// ProductOptions tunes the product video pipeline.
type ProductOptions struct {
	Voice         string `json:"voice" yaml:"voice"`
	ShowSubtitles *bool  `json:"show_subtitles,omitempty" yaml:"show_subtitles,omitempty"`
	FontFamily    string `json:"font_family" yaml:"font_family"`
	FontSize      int    `json:"font_size" yaml:"font_size"`
	Watermark     string `json:"watermark" yaml:"watermark"`
	OutroText     string `json:"outro_text" yaml:"outro_text"`
}

// AuditEvent is one lifecycle event written to the audit trail.
type AuditEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
