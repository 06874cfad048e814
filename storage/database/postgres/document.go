package pgrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
)

const (
	documentSelect = `SELECT d.id, d.title, d.description, d.file_url, d.file_name, d.file_size, d.version,
		d.requires_signature, d.created_by_id, d.created_at,
		c.full_name AS creator_full_name, c.email AS creator_email
		FROM documents d
		LEFT JOIN users c ON c.id = d.created_by_id`

	ackSelect = `SELECT a.id, a.document_id, a.recipient_id, a.status, a.created_at, a.viewed_at, a.acknowledged_at,
		a.document_hash, a.ip_address, a.user_agent,
		r.full_name AS recipient_full_name, r.email AS recipient_email,
		d.title AS doc_title, d.description AS doc_description, d.file_url AS doc_file_url,
		d.file_name AS doc_file_name, d.file_size AS doc_file_size, d.version AS doc_version,
		d.requires_signature AS doc_requires_signature, d.created_by_id AS doc_created_by_id,
		d.created_at AS doc_created_at,
		c.full_name AS creator_full_name, c.email AS creator_email
		FROM document_acknowledgements a
		JOIN users r ON r.id = a.recipient_id
		JOIN documents d ON d.id = a.document_id
		LEFT JOIN users c ON c.id = d.created_by_id`
)

type creatorCols struct {
	CreatorFullName null.String `db:"creator_full_name"`
	CreatorEmail    null.String `db:"creator_email"`
}

func (c creatorCols) summary(id null.String) *user.Summary {
	if !id.Valid {
		return nil
	}
	return &user.Summary{ID: id.String, FullName: c.CreatorFullName.String, Email: c.CreatorEmail.String}
}

type documentRow struct {
	ID                string      `db:"id"`
	Title             string      `db:"title"`
	Description       string      `db:"description"`
	FileURL           string      `db:"file_url"`
	FileName          string      `db:"file_name"`
	FileSize          int64       `db:"file_size"`
	Version           string      `db:"version"`
	RequiresSignature bool        `db:"requires_signature"`
	CreatedByID       null.String `db:"created_by_id"`
	CreatedAt         time.Time   `db:"created_at"`
	creatorCols
}

func (r documentRow) document() document.Document {
	return document.Document{
		ID:                r.ID,
		Title:             r.Title,
		Description:       r.Description,
		FileURL:           r.FileURL,
		FileName:          r.FileName,
		FileSize:          r.FileSize,
		Version:           r.Version,
		RequiresSignature: r.RequiresSignature,
		CreatedByID:       r.CreatedByID.String,
		CreatedAt:         r.CreatedAt.UTC(),
		CreatedBy:         r.summary(r.CreatedByID),
	}
}

type ackRow struct {
	ID             string      `db:"id"`
	DocumentID     string      `db:"document_id"`
	RecipientID    string      `db:"recipient_id"`
	Status         string      `db:"status"`
	CreatedAt      time.Time   `db:"created_at"`
	ViewedAt       null.Time   `db:"viewed_at"`
	AcknowledgedAt null.Time   `db:"acknowledged_at"`
	DocumentHash   null.String `db:"document_hash"`
	IPAddress      null.String `db:"ip_address"`
	UserAgent      null.String `db:"user_agent"`

	RecipientFullName string `db:"recipient_full_name"`
	RecipientEmail    string `db:"recipient_email"`

	DocTitle             string      `db:"doc_title"`
	DocDescription       string      `db:"doc_description"`
	DocFileURL           string      `db:"doc_file_url"`
	DocFileName          string      `db:"doc_file_name"`
	DocFileSize          int64       `db:"doc_file_size"`
	DocVersion           string      `db:"doc_version"`
	DocRequiresSignature bool        `db:"doc_requires_signature"`
	DocCreatedByID       null.String `db:"doc_created_by_id"`
	DocCreatedAt         time.Time   `db:"doc_created_at"`
	creatorCols
}

func (r ackRow) ack() document.Acknowledgement {
	return document.Acknowledgement{
		ID:             r.ID,
		DocumentID:     r.DocumentID,
		RecipientID:    r.RecipientID,
		Status:         document.Status(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		ViewedAt:       utcTime(r.ViewedAt),
		AcknowledgedAt: utcTime(r.AcknowledgedAt),
		DocumentHash:   r.DocumentHash,
		IPAddress:      r.IPAddress,
		UserAgent:      r.UserAgent,
	}
}

func (r ackRow) joined() document.Acknowledgement {
	ack := r.ack()
	ack.Recipient = &user.Summary{ID: r.RecipientID, FullName: r.RecipientFullName, Email: r.RecipientEmail}
	ack.Document = &document.Document{
		ID:                r.DocumentID,
		Title:             r.DocTitle,
		Description:       r.DocDescription,
		FileURL:           r.DocFileURL,
		FileName:          r.DocFileName,
		FileSize:          r.DocFileSize,
		Version:           r.DocVersion,
		RequiresSignature: r.DocRequiresSignature,
		CreatedByID:       r.DocCreatedByID.String,
		CreatedAt:         r.DocCreatedAt.UTC(),
		CreatedBy:         r.summary(r.DocCreatedByID),
	}
	return ack
}

func utcTime(t null.Time) null.Time {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}

type documentRepository struct {
	exec core.DBExecutor
}

var _ document.Repository = (*documentRepository)(nil) // interface compliance check

func NewDocumentRepository(db *sqlx.DB) document.Repository {
	return &documentRepository{exec: db}
}

func (repo *documentRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.exec
}

func (repo *documentRepository) CreateDocument(ctx context.Context, doc document.Document, exec ...core.DBExecutor) (document.Document, error) {
	doc.ID = uuid.New().String()
	doc.CreatedAt = doc.CreatedAt.UTC()
	createdBy := null.NewString(doc.CreatedByID, doc.CreatedByID != "")

	_, err := repo.getExec(exec).ExecContext(ctx, `INSERT INTO documents
		(id, title, description, file_url, file_name, file_size, version, requires_signature, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.Title, doc.Description, doc.FileURL, doc.FileName, doc.FileSize, doc.Version,
		doc.RequiresSignature, createdBy, doc.CreatedAt,
	)
	if err != nil {
		return document.Document{}, errors.Wrap(err, "inserting document")
	}
	doc.CreatedBy = nil
	doc.Acknowledgements = nil
	doc.Stats = nil
	return doc, nil
}

func (repo *documentRepository) GetDocument(ctx context.Context, id string, exec ...core.DBExecutor) (document.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return document.Document{}, document.ErrDocumentNotFound
	}
	var row documentRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &row, documentSelect+` WHERE d.id = $1`, id); err != nil {
		return document.Document{}, trapNoRowsErr(err, document.ErrDocumentNotFound, "getting document")
	}
	return row.document(), nil
}

func (repo *documentRepository) DeleteDocument(ctx context.Context, id string, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting document")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return document.ErrDocumentNotFound
	}
	return nil
}

func (repo *documentRepository) ListDocumentsWithAcknowledgements(ctx context.Context, exec ...core.DBExecutor) ([]document.Document, error) {
	ex := repo.getExec(exec)

	var docRows []documentRow
	if err := sqlx.SelectContext(ctx, ex, &docRows, documentSelect+` ORDER BY d.created_at DESC`); err != nil {
		return nil, errors.Wrap(err, "listing documents")
	}
	var ackRows []ackRow
	if err := sqlx.SelectContext(ctx, ex, &ackRows, ackSelect+` ORDER BY a.created_at, a.recipient_id`); err != nil {
		return nil, errors.Wrap(err, "listing acknowledgements")
	}

	byDoc := make(map[string][]document.Acknowledgement, len(docRows))
	for _, r := range ackRows {
		ack := r.ack()
		ack.Recipient = &user.Summary{ID: r.RecipientID, FullName: r.RecipientFullName, Email: r.RecipientEmail}
		byDoc[r.DocumentID] = append(byDoc[r.DocumentID], ack)
	}

	docs := make([]document.Document, 0, len(docRows))
	for _, r := range docRows {
		doc := r.document()
		doc.Acknowledgements = byDoc[doc.ID]
		docs = append(docs, doc)
	}
	return docs, nil
}

func (repo *documentRepository) GetAcknowledgement(ctx context.Context, filter document.AckFilter, exec ...core.DBExecutor) (document.Acknowledgement, error) {
	var (
		q    = ackSelect
		args []interface{}
	)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return document.Acknowledgement{}, document.ErrAcknowledgementNotFound
		}
		q += ` WHERE a.id = $1`
		args = append(args, filter.ID)
	case filter.DocumentID != "" && filter.RecipientID != "":
		q += ` WHERE a.document_id = $1 AND a.recipient_id = $2`
		args = append(args, filter.DocumentID, filter.RecipientID)
	default:
		return document.Acknowledgement{}, document.ErrAcknowledgementNotFound
	}
	if filter.ForUpdate {
		q += ` FOR UPDATE OF a`
	}

	var row ackRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &row, q, args...); err != nil {
		return document.Acknowledgement{}, trapNoRowsErr(err, document.ErrAcknowledgementNotFound, "getting acknowledgement")
	}
	return row.joined(), nil
}

// CreateAcknowledgement inserts ack unless its (document, recipient) pair exists, in which case
// ErrDuplicateAcknowledgement is returned without aborting the surrounding tx.
func (repo *documentRepository) CreateAcknowledgement(ctx context.Context, ack document.Acknowledgement, exec ...core.DBExecutor) (document.Acknowledgement, error) {
	ack.ID = uuid.New().String()
	ack.CreatedAt = ack.CreatedAt.UTC()
	if ack.Status == "" {
		ack.Status = document.StatusPending
	}

	var id string
	err := sqlx.GetContext(ctx, repo.getExec(exec), &id, `INSERT INTO document_acknowledgements
		(id, document_id, recipient_id, status, created_at, viewed_at, acknowledged_at, document_hash, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (document_id, recipient_id) DO NOTHING
		RETURNING id`,
		ack.ID, ack.DocumentID, ack.RecipientID, string(ack.Status), ack.CreatedAt,
		ack.ViewedAt, ack.AcknowledgedAt, ack.DocumentHash, ack.IPAddress, ack.UserAgent,
	)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows { // conflict: nothing inserted
			return document.Acknowledgement{}, document.ErrDuplicateAcknowledgement
		}
		if isForeignKeyViolation(err) {
			return document.Acknowledgement{}, document.ErrDocumentNotFound
		}
		return document.Acknowledgement{}, errors.Wrap(err, "inserting acknowledgement")
	}
	ack.Document = nil
	ack.Recipient = nil
	return ack, nil
}

func (repo *documentRepository) UpdateAcknowledgement(ctx context.Context, ack document.Acknowledgement, exec ...core.DBExecutor) (document.Acknowledgement, error) {
	var row ackRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `UPDATE document_acknowledgements
		SET status = $2, viewed_at = $3, acknowledged_at = $4, document_hash = $5, ip_address = $6, user_agent = $7
		WHERE id = $1
		RETURNING id, document_id, recipient_id, status, created_at, viewed_at, acknowledged_at,
			document_hash, ip_address, user_agent`,
		ack.ID, string(ack.Status), ack.ViewedAt, ack.AcknowledgedAt, ack.DocumentHash, ack.IPAddress, ack.UserAgent,
	)
	if err != nil {
		return document.Acknowledgement{}, trapNoRowsErr(err, document.ErrAcknowledgementNotFound, "updating acknowledgement")
	}
	return row.ack(), nil
}

func (repo *documentRepository) ListAcknowledgementsForRecipient(ctx context.Context, recipientID string, exec ...core.DBExecutor) ([]document.Acknowledgement, error) {
	if _, err := uuid.Parse(recipientID); err != nil {
		return []document.Acknowledgement{}, nil
	}
	var rows []ackRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		ackSelect+` WHERE a.recipient_id = $1 ORDER BY a.created_at DESC, a.id`, recipientID)
	if err != nil {
		return nil, errors.Wrap(err, "listing acknowledgements")
	}
	return toAcks(rows, false), nil
}

func (repo *documentRepository) ListOutstandingAcknowledgements(ctx context.Context, createdBefore time.Time, exec ...core.DBExecutor) ([]document.Acknowledgement, error) {
	var rows []ackRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		ackSelect+` WHERE a.status IN ($1, $2) AND a.created_at < $3 ORDER BY a.recipient_id, a.created_at`,
		string(document.StatusPending), string(document.StatusViewed), createdBefore.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing outstanding acknowledgements")
	}
	return toAcks(rows, true), nil
}

func toAcks(rows []ackRow, withRecipient bool) []document.Acknowledgement {
	acks := make([]document.Acknowledgement, 0, len(rows))
	for _, r := range rows {
		ack := r.joined()
		if !withRecipient {
			ack.Recipient = nil
		}
		acks = append(acks, ack)
	}
	return acks
}

func (repo *documentRepository) DeleteAcknowledgementsForDocument(ctx context.Context, documentID string, exec ...core.DBExecutor) (int64, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM document_acknowledgements WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, errors.Wrap(err, "deleting acknowledgements")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "counting deleted acknowledgements")
}
