package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

const (
	defaultVersion  = "1.0"
	defaultFileName = "document.pdf"
	pdfContentType  = "application/pdf"
	octetStream     = "application/octet-stream"
	sniffLen        = 512
)

var (
	// errors
	ErrDocumentNotFound        = errors.New("document not found")
	ErrAcknowledgementNotFound = errors.New("acknowledgement not found")
	ErrNotRecipient            = errors.New("you can only act on your own acknowledgements")
	ErrNotSupervisor           = errors.New("permission denied")
	// ErrDuplicateAcknowledgement is returned by repositories when the (document, recipient) pair already exists.
	ErrDuplicateAcknowledgement = errors.New("document already assigned to recipient")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateDocument(ctx context.Context, doc Document, exec ...core.DBExecutor) (Document, error)
		// GetDocument returns the Document with its CreatedBy summary joined.
		GetDocument(ctx context.Context, id string, exec ...core.DBExecutor) (Document, error)
		DeleteDocument(ctx context.Context, id string, exec ...core.DBExecutor) error
		// ListDocumentsWithAcknowledgements returns every Document, newest first, with CreatedBy and
		// Acknowledgements (Recipient joined) attached.
		ListDocumentsWithAcknowledgements(ctx context.Context, exec ...core.DBExecutor) ([]Document, error)

		// GetAcknowledgement returns the Acknowledgement with its Document and Recipient joined.
		GetAcknowledgement(ctx context.Context, filter AckFilter, exec ...core.DBExecutor) (Acknowledgement, error)
		CreateAcknowledgement(ctx context.Context, ack Acknowledgement, exec ...core.DBExecutor) (Acknowledgement, error)
		UpdateAcknowledgement(ctx context.Context, ack Acknowledgement, exec ...core.DBExecutor) (Acknowledgement, error)
		// ListAcknowledgementsForRecipient returns the recipient's acknowledgements, newest first, Document joined.
		ListAcknowledgementsForRecipient(ctx context.Context, recipientID string, exec ...core.DBExecutor) ([]Acknowledgement, error)
		// ListOutstandingAcknowledgements returns PENDING & VIEWED acknowledgements created before createdBefore,
		// Document and Recipient joined, ordered by recipient then creation.
		ListOutstandingAcknowledgements(ctx context.Context, createdBefore time.Time, exec ...core.DBExecutor) ([]Acknowledgement, error)
		DeleteAcknowledgementsForDocument(ctx context.Context, documentID string, exec ...core.DBExecutor) (int64, error)
	}

	// Service coordinates document assignment and the acknowledgement lifecycle.
	Service struct {
		tx            core.Transactor
		repo          Repository
		usrRepo       user.Repository
		files         core.FileStorage
		events        core.EventPublisher
		mailSvc       core.EmailService
		logger        core.Logger
		validate      *validator.Validate
		maxUploadSize int64
	}
)

func NewService(
	tx core.Transactor,
	repo Repository,
	usrRepo user.Repository,
	files core.FileStorage,
	events core.EventPublisher,
	mailSvc core.EmailService,
	logger core.Logger,
	validate *validator.Validate,
	conf *core.Config,
) *Service {
	return &Service{
		tx:            tx,
		repo:          repo,
		usrRepo:       usrRepo,
		files:         files,
		events:        events,
		mailSvc:       mailSvc,
		logger:        logger,
		validate:      validate,
		maxUploadSize: conf.Uploads.MaxSize,
	}
}

func isID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Upload creates a Document from either an uploaded PDF file or a pre-uploaded file URL.
func (svc *Service) Upload(ctx context.Context, nd NewDocument, file *File, by user.User) (Document, error) {
	if !by.IsSupervisory() {
		return Document{}, ErrNotSupervisor
	}
	nd.Clean()
	if err := svc.validate.Struct(nd); err != nil {
		return Document{}, err
	}
	if file == nil && nd.FileURL == "" {
		return Document{}, core.NewValidationError(nil, core.FieldError{Field: "file", Error: "a PDF file or a file_url is required"})
	}

	var stored string
	if file != nil {
		url, err := svc.StoreFile(ctx, *file, by)
		if err != nil {
			return Document{}, err
		}
		stored = url
		nd.FileURL = url
		nd.FileSize = file.Size
		if name := core.CleanString(file.Name); name != "" {
			nd.FileName = name
		}
	}
	if nd.FileName == "" {
		nd.FileName = defaultFileName
	}

	doc, err := svc.repo.CreateDocument(ctx, Document{
		Title:             nd.Title,
		Description:       nd.Description,
		FileURL:           nd.FileURL,
		FileName:          nd.FileName,
		FileSize:          nd.FileSize,
		Version:           nd.Version,
		RequiresSignature: nd.RequiresSignature,
		CreatedByID:       by.ID,
		CreatedAt:         NowFunc().UTC(),
	})
	if err != nil {
		if stored != "" {
			svc.removeFile(ctx, stored)
		}
		return Document{}, errors.Wrap(err, "creating document")
	}
	summary := by.Summary()
	doc.CreatedBy = &summary
	return doc, nil
}

// StoreFile checks that file is a PDF within the upload size limit and stores it.
func (svc *Service) StoreFile(ctx context.Context, file File, by user.User) (string, error) {
	if !by.IsSupervisory() {
		return "", ErrNotSupervisor
	}
	content, err := svc.checkPDF(file)
	if err != nil {
		return "", err
	}
	url, err := svc.files.Save(ctx, file.Name, pdfContentType, file.Size, content)
	return url, errors.Wrap(err, "storing file")
}

// checkPDF returns a reader over the whole file content once its size and type are verified.
func (svc *Service) checkPDF(file File) (io.Reader, error) {
	invalid := func(msg string) error {
		return core.NewValidationError(nil, core.FieldError{Field: "file", Error: msg})
	}

	if file.Content == nil || file.Size == 0 {
		return nil, invalid("the uploaded file is empty")
	}
	if file.Size > svc.maxUploadSize {
		return nil, invalid(fmt.Sprintf("file too large: maximum size is %dMB", svc.maxUploadSize>>20))
	}
	// a declared type must agree with the content; generic types are left to sniffing
	if file.ContentType != "" {
		mt, _, err := mime.ParseMediaType(file.ContentType)
		if err != nil || (mt != pdfContentType && mt != octetStream) {
			return nil, invalid("only PDF files are allowed")
		}
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file.Content, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return nil, invalid("the uploaded file is empty")
		}
		return nil, errors.Wrap(err, "reading uploaded file")
	}
	head = head[:n]
	if http.DetectContentType(head) != pdfContentType {
		return nil, invalid("only PDF files are allowed")
	}
	return io.MultiReader(bytes.NewReader(head), file.Content), nil
}

// Delete removes a Document and, in the same transaction, all of its acknowledgements.
func (svc *Service) Delete(ctx context.Context, id string, by user.User) error {
	if !by.IsSupervisory() {
		return ErrNotSupervisor
	}
	if !isID(id) {
		return ErrDocumentNotFound
	}

	var doc Document
	err := svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if doc, err = svc.repo.GetDocument(ctx, id, exec); err != nil {
			return err
		}
		if _, err = svc.repo.DeleteAcknowledgementsForDocument(ctx, id, exec); err != nil {
			return errors.Wrap(err, "deleting acknowledgements")
		}
		return errors.Wrap(svc.repo.DeleteDocument(ctx, id, exec), "deleting document")
	})
	if err != nil {
		return err
	}

	svc.removeFile(ctx, doc.FileURL)
	return nil
}

func (svc *Service) removeFile(ctx context.Context, url string) {
	if svc.files == nil || url == "" {
		return
	}
	if err := svc.files.Delete(ctx, url); err != nil {
		svc.logger.Warn(fmt.Sprintf("removing stored file %q", url), err)
	}
}

// Assign creates a PENDING Acknowledgement for every recipient that does not have one for the Document yet.
// Only the newly created acknowledgements are returned; existing ones are left untouched.
func (svc *Service) Assign(ctx context.Context, a Assignment, by user.User) ([]Acknowledgement, error) {
	if !by.IsSupervisory() {
		return nil, ErrNotSupervisor
	}
	a.Clean()
	if err := svc.validate.Struct(a); err != nil {
		return nil, err
	}
	// a fixed insertion order keeps concurrent assignments from deadlocking on the unique index
	sort.Strings(a.RecipientIDs)

	var (
		doc        Document
		recipients map[string]user.User
		created    []Acknowledgement
	)
	err := svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		created = make([]Acknowledgement, 0, len(a.RecipientIDs))

		var err error
		if doc, err = svc.repo.GetDocument(ctx, a.DocumentID, exec); err != nil {
			return err
		}
		if recipients, err = svc.resolveRecipients(ctx, a.RecipientIDs, exec); err != nil {
			return err
		}

		now := NowFunc().UTC()
		for _, rid := range a.RecipientIDs {
			_, err := svc.repo.GetAcknowledgement(ctx, AckFilter{DocumentID: doc.ID, RecipientID: rid}, exec)
			if err == nil {
				continue // already assigned
			}
			if errors.Cause(err) != ErrAcknowledgementNotFound {
				return errors.Wrap(err, "finding acknowledgement")
			}

			ack, err := svc.repo.CreateAcknowledgement(ctx, Acknowledgement{
				DocumentID:  doc.ID,
				RecipientID: rid,
				Status:      StatusPending,
				CreatedAt:   now,
			}, exec)
			if err != nil {
				if errors.Cause(err) == ErrDuplicateAcknowledgement {
					continue // a concurrent assignment created it first
				}
				return errors.Wrap(err, "creating acknowledgement")
			}
			created = append(created, ack)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	docRef := doc
	docRef.Acknowledgements = nil
	for i := range created {
		summary := recipients[created[i].RecipientID].Summary()
		created[i].Document = &docRef
		created[i].Recipient = &summary
	}

	for _, ack := range created {
		svc.publish(RecipientRoom(ack.RecipientID), RecipientAssignedEvent(ack.RecipientID), ack)
		svc.publish(RoomAssignments, EventAssigned, ack)
	}
	svc.notifyAssigned(doc, created, recipients)
	return created, nil
}

// resolveRecipients fails with a ValidationError when any id does not belong to a Person.
func (svc *Service) resolveRecipients(ctx context.Context, ids []string, exec core.DBExecutor) (map[string]user.User, error) {
	users, err := svc.usrRepo.GetUsersByID(ctx, ids, exec)
	if err != nil {
		return nil, errors.Wrap(err, "finding recipients")
	}
	found := make(map[string]user.User, len(users))
	for _, u := range users {
		found[u.ID] = u
	}

	var unknown []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, core.NewValidationError(nil, core.FieldError{
			Field: "recipient_ids",
			Error: "unknown recipients: " + strings.Join(unknown, ", "),
		})
	}
	return found, nil
}

// MarkViewed moves a PENDING acknowledgement to VIEWED. Later statuses are returned unchanged.
func (svc *Service) MarkViewed(ctx context.Context, ackID string, by user.User) (Acknowledgement, error) {
	if !isID(ackID) {
		return Acknowledgement{}, ErrAcknowledgementNotFound
	}

	var ack Acknowledgement
	err := svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		cur, err := svc.repo.GetAcknowledgement(ctx, AckFilter{ID: ackID, ForUpdate: true}, exec)
		if err != nil {
			return err
		}
		if cur.RecipientID != by.ID {
			return ErrNotRecipient
		}
		ack = cur
		if cur.Status != StatusPending {
			return nil
		}

		upd := cur
		upd.Status = StatusViewed
		if !upd.ViewedAt.Valid {
			upd.ViewedAt = null.TimeFrom(NowFunc().UTC())
		}
		saved, err := svc.repo.UpdateAcknowledgement(ctx, upd, exec)
		if err != nil {
			return errors.Wrap(err, "updating acknowledgement")
		}
		ack = withJoins(saved, cur)
		return nil
	})
	if err != nil {
		return Acknowledgement{}, err
	}
	return ack, nil
}

// Acknowledge records the recipient's sign-off and its proof. Repeated calls overwrite the proof.
func (svc *Service) Acknowledge(ctx context.Context, ackID string, by user.User, proof Proof) (Acknowledgement, error) {
	if !isID(ackID) {
		return Acknowledgement{}, ErrAcknowledgementNotFound
	}
	proof.Clean()

	var (
		ack     Acknowledgement
		changed bool
	)
	err := svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		cur, err := svc.repo.GetAcknowledgement(ctx, AckFilter{ID: ackID, ForUpdate: true}, exec)
		if err != nil {
			return err
		}
		if cur.RecipientID != by.ID {
			return ErrNotRecipient
		}
		if err = svc.validate.Struct(proof); err != nil {
			return err
		}
		ack = cur
		if StatusAcknowledged.Before(cur.Status) {
			return nil // never move a signed acknowledgement back
		}

		upd := cur
		upd.Status = StatusAcknowledged
		upd.AcknowledgedAt = null.TimeFrom(NowFunc().UTC())
		upd.DocumentHash = null.StringFrom(proof.Hash)
		upd.IPAddress = null.NewString(proof.IPAddress, proof.IPAddress != "")
		upd.UserAgent = null.NewString(proof.UserAgent, proof.UserAgent != "")
		saved, err := svc.repo.UpdateAcknowledgement(ctx, upd, exec)
		if err != nil {
			return errors.Wrap(err, "updating acknowledgement")
		}
		ack = withJoins(saved, cur)
		changed = true
		return nil
	})
	if err != nil {
		return Acknowledgement{}, err
	}

	if changed {
		svc.publish(RoomAcknowledgements, EventAcknowledged, ack)
	}
	return ack, nil
}

func withJoins(saved, joined Acknowledgement) Acknowledgement {
	saved.Document = joined.Document
	saved.Recipient = joined.Recipient
	return saved
}

// ListAll returns every Document with its acknowledgements to supervisors,
// and only the caller's own acknowledgements to everyone else.
func (svc *Service) ListAll(ctx context.Context, by user.User) (Listing, error) {
	if !by.IsSupervisory() {
		acks, err := svc.ListMine(ctx, by)
		return Listing{Acknowledgements: acks}, err
	}

	docs, err := svc.repo.ListDocumentsWithAcknowledgements(ctx)
	if err != nil {
		return Listing{}, errors.Wrap(err, "listing documents")
	}
	if docs == nil {
		docs = []Document{}
	}
	for i := range docs {
		if docs[i].Acknowledgements == nil {
			docs[i].Acknowledgements = []Acknowledgement{}
		}
		docs[i].computeStats()
	}
	return Listing{Supervisory: true, Documents: docs}, nil
}

// ListMine returns the caller's own acknowledgements, newest first.
func (svc *Service) ListMine(ctx context.Context, by user.User) ([]Acknowledgement, error) {
	acks, err := svc.repo.ListAcknowledgementsForRecipient(ctx, by.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing acknowledgements")
	}
	if acks == nil {
		acks = []Acknowledgement{}
	}
	return acks, nil
}

// SendReminders emails every recipient who still has acknowledgements outstanding after olderThan.
// It returns the number of recipients reminded.
func (svc *Service) SendReminders(ctx context.Context, olderThan time.Duration) (int, error) {
	acks, err := svc.repo.ListOutstandingAcknowledgements(ctx, NowFunc().UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "listing outstanding acknowledgements")
	}
	if svc.mailSvc == nil || len(acks) == 0 {
		return 0, nil
	}

	type digest struct {
		recipient user.Summary
		titles    []string
	}
	var order []string
	digests := make(map[string]*digest)
	for _, ack := range acks {
		if ack.Recipient == nil || ack.Recipient.Email == "" || ack.Document == nil {
			continue
		}
		d, ok := digests[ack.RecipientID]
		if !ok {
			d = &digest{recipient: *ack.Recipient}
			digests[ack.RecipientID] = d
			order = append(order, ack.RecipientID)
		}
		d.titles = append(d.titles, ack.Document.Title)
	}

	messages := make([]*core.EmailMessage, 0, len(order))
	for _, rid := range order {
		d := digests[rid]
		messages = append(messages, &core.EmailMessage{
			To:           []mail.Address{{Name: d.recipient.FullName, Address: d.recipient.Email}},
			Subject:      "Documents awaiting your acknowledgement",
			TemplateName: "document_reminder",
			TemplateData: map[string]interface{}{
				"RecipientName": d.recipient.FullName,
				"Titles":        d.titles,
			},
		})
	}
	svc.mailSvc.SendMessages(messages...)
	return len(messages), nil
}

func (svc *Service) notifyAssigned(doc Document, created []Acknowledgement, recipients map[string]user.User) {
	if svc.mailSvc == nil || len(created) == 0 {
		return
	}
	messages := make([]*core.EmailMessage, 0, len(created))
	for _, ack := range created {
		rcpt, ok := recipients[ack.RecipientID]
		if !ok || rcpt.Email == "" {
			continue
		}
		messages = append(messages, &core.EmailMessage{
			To:           []mail.Address{rcpt.Address()},
			Subject:      "New document to acknowledge: " + doc.Title,
			TemplateName: "document_assigned",
			TemplateData: map[string]interface{}{
				"RecipientName":     rcpt.FullName,
				"Title":             doc.Title,
				"Version":           doc.Version,
				"RequiresSignature": doc.RequiresSignature,
			},
		})
	}
	svc.mailSvc.SendMessages(messages...)
}

// publish is best-effort: failures are logged, never returned.
func (svc *Service) publish(room, event string, payload interface{}) {
	if svc.events == nil {
		return
	}
	if err := svc.events.Publish(room, event, payload); err != nil {
		svc.logger.Warn(fmt.Sprintf("publishing %q to room %q", event, room), err)
	}
}
