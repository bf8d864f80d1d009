package models

import "time"

// Disposition is the terminal outcome of a metered print job.
type Disposition string

const (
	// DispositionAllowed means the job was paid for and released to the printer.
	DispositionAllowed Disposition = "allowed"
	// DispositionBlocked means the job was cancelled for insufficient budget.
	DispositionBlocked Disposition = "blocked"
	// DispositionEscapedCharged means the job reached the printer before it
	// could be paused and was charged retroactively, possibly into debt.
	DispositionEscapedCharged Disposition = "escaped_charged"
)

// PrintJob is one spooled document as seen by the meter.
type PrintJob struct {
	ID           string      `json:"id"`
	DocumentName string      `json:"document_name"`
	Pages        int         `json:"pages"`
	Copies       int         `json:"copies"`
	IsColor      bool        `json:"is_color"`
	Cost         float64     `json:"cost"`
	Disposition  Disposition `json:"disposition"`
	DetectedAt   time.Time   `json:"detected_at"`
}
