package document

import (
	"io"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

// Status of an Acknowledgement. Transitions only move forward: PENDING -> VIEWED -> ACKNOWLEDGED -> SIGNED.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusViewed       Status = "VIEWED"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusSigned       Status = "SIGNED" // no transition produces it yet
)

var statusRanks = map[Status]int{
	StatusPending:      1,
	StatusViewed:       2,
	StatusAcknowledged: 3,
	StatusSigned:       4,
}

func (s Status) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// Before reports whether s comes strictly before other in the lifecycle.
func (s Status) Before(other Status) bool {
	return statusRanks[s] < statusRanks[other]
}

// IsAcknowledged reports whether the recipient has signed off (ACKNOWLEDGED or SIGNED).
func (s Status) IsAcknowledged() bool {
	return !s.Before(StatusAcknowledged)
}

type Document struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	FileURL           string    `json:"file_url"`
	FileName          string    `json:"file_name"`
	FileSize          int64     `json:"file_size"`
	Version           string    `json:"version"`
	RequiresSignature bool      `json:"requires_signature"`
	CreatedByID       string    `json:"created_by_id"`
	CreatedAt         time.Time `json:"created_at"` // UTC

	// joined
	CreatedBy        *user.Summary     `json:"created_by,omitempty"`
	Acknowledgements []Acknowledgement `json:"acknowledgements,omitempty"`
	Stats            *Stats            `json:"stats,omitempty"`
}

// Stats are the per-document counters shown on supervisory dashboards.
type Stats struct {
	AssignedTo   int `json:"assigned_to"`
	Acknowledged int `json:"acknowledged"`
	Pending      int `json:"pending"`
}

func (d *Document) computeStats() {
	st := Stats{AssignedTo: len(d.Acknowledgements)}
	for _, ack := range d.Acknowledgements {
		if ack.Status.IsAcknowledged() {
			st.Acknowledged++
		} else {
			st.Pending++
		}
	}
	d.Stats = &st
}

type Acknowledgement struct {
	ID             string      `json:"id"`
	DocumentID     string      `json:"document_id"`
	RecipientID    string      `json:"recipient_id"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`      // UTC
	ViewedAt       null.Time   `json:"viewed_at"`       // UTC
	AcknowledgedAt null.Time   `json:"acknowledged_at"` // UTC
	DocumentHash   null.String `json:"document_hash"`
	IPAddress      null.String `json:"ip_address"`
	UserAgent      null.String `json:"user_agent"`

	// joined
	Document  *Document     `json:"document,omitempty"`
	Recipient *user.Summary `json:"recipient,omitempty"`
}

// Proof is captured when a recipient acknowledges a document.
type Proof struct {
	Hash      string `json:"hash" validate:"required,max=512"`
	IPAddress string `json:"ip_address" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent" validate:"max=1024"`
}

func (p *Proof) Clean() {
	p.Hash = core.CleanString(p.Hash)
	p.IPAddress = core.CleanString(p.IPAddress)
	p.UserAgent = core.CleanString(p.UserAgent)
}

// NewDocument contains information needed to create a Document.
// FileURL is required unless a File is uploaded along with it.
type NewDocument struct {
	Title             string `json:"title" form:"title" validate:"required,max=200"`
	Description       string `json:"description" form:"description" validate:"max=2000"`
	Version           string `json:"version" form:"version" validate:"max=50"`
	RequiresSignature bool   `json:"requires_signature" form:"requires_signature"`
	FileURL           string `json:"file_url" form:"file_url" validate:"max=2048"`
	FileName          string `json:"file_name" form:"file_name" validate:"max=255"`
	FileSize          int64  `json:"file_size" form:"file_size" validate:"gte=0"`
}

func (nd *NewDocument) Clean() {
	nd.Title = core.CleanString(nd.Title)
	nd.Description = core.CleanString(nd.Description)
	nd.Version = core.CleanString(nd.Version)
	nd.FileURL = core.CleanString(nd.FileURL)
	nd.FileName = core.CleanString(nd.FileName)
	if nd.Version == "" {
		nd.Version = defaultVersion
	}
}

// File is an uploaded document file.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

// Assignment fans a Document out to recipients.
type Assignment struct {
	DocumentID   string   `json:"document_id" validate:"required,uuid"`
	RecipientIDs []string `json:"recipient_ids" validate:"required,min=1,dive,uuid"`
}

func (a *Assignment) Clean() {
	a.DocumentID = core.CleanString(a.DocumentID)
	a.RecipientIDs = core.UniqueStrings(a.RecipientIDs)
}

// AckFilter selects a single Acknowledgement either by ID or by (DocumentID, RecipientID).
type AckFilter struct {
	ID          string
	DocumentID  string
	RecipientID string
	// ForUpdate locks the row until the surrounding tx ends.
	ForUpdate bool
}

// Listing is the result of ListAll: supervisors get Documents, recipients get their Acknowledgements.
type Listing struct {
	Supervisory      bool
	Documents        []Document
	Acknowledgements []Acknowledgement
}
