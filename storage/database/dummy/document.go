package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
)

type documentRepository struct {
	db *DB
}

var _ document.Repository = (*documentRepository)(nil) // interface compliance check

func NewDocumentRepository(db *DB) document.Repository {
	return &documentRepository{db: db}
}

func (repo *documentRepository) summary(userID string) *user.Summary {
	repo.db.user.RLock()
	defer repo.db.user.RUnlock()

	if usr, ok := repo.db.user.table[userID]; ok {
		s := usr.Summary()
		return &s
	}
	return nil
}

func (repo *documentRepository) joinDocument(doc document.Document) document.Document {
	doc.CreatedBy = repo.summary(doc.CreatedByID)
	doc.Acknowledgements = nil
	doc.Stats = nil
	return doc
}

func (repo *documentRepository) getDocument(id string) (document.Document, bool) {
	repo.db.document.RLock()
	defer repo.db.document.RUnlock()

	doc, ok := repo.db.document.table[id]
	if !ok {
		return document.Document{}, false
	}
	return *doc, true
}

// joinAck attaches the Document and Recipient to ack.
func (repo *documentRepository) joinAck(ack document.Acknowledgement) document.Acknowledgement {
	if doc, ok := repo.getDocument(ack.DocumentID); ok {
		doc = repo.joinDocument(doc)
		ack.Document = &doc
	}
	ack.Recipient = repo.summary(ack.RecipientID)
	return ack
}

func (repo *documentRepository) CreateDocument(_ context.Context, doc document.Document, _ ...core.DBExecutor) (document.Document, error) {
	repo.db.document.Lock()
	defer repo.db.document.Unlock()

	doc.ID = uuid.New().String()
	doc.CreatedBy = nil
	doc.Acknowledgements = nil
	doc.Stats = nil
	repo.db.document.table[doc.ID] = &doc
	return doc, nil
}

func (repo *documentRepository) GetDocument(_ context.Context, id string, _ ...core.DBExecutor) (document.Document, error) {
	doc, ok := repo.getDocument(id)
	if !ok {
		return document.Document{}, document.ErrDocumentNotFound
	}
	return repo.joinDocument(doc), nil
}

func (repo *documentRepository) DeleteDocument(_ context.Context, id string, _ ...core.DBExecutor) error {
	repo.db.document.Lock()
	if _, ok := repo.db.document.table[id]; !ok {
		repo.db.document.Unlock()
		return document.ErrDocumentNotFound
	}
	delete(repo.db.document.table, id)
	repo.db.document.Unlock()

	// ON DELETE CASCADE
	repo.deleteAcks(func(ack *document.Acknowledgement) bool { return ack.DocumentID == id })
	return nil
}

func (repo *documentRepository) ListDocumentsWithAcknowledgements(_ context.Context, _ ...core.DBExecutor) ([]document.Document, error) {
	repo.db.document.RLock()
	docs := make([]document.Document, 0, len(repo.db.document.table))
	for _, doc := range repo.db.document.table {
		docs = append(docs, *doc)
	}
	repo.db.document.RUnlock()

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})

	byDoc := make(map[string][]document.Acknowledgement)
	for _, ack := range repo.acks(nil) {
		ack.Recipient = repo.summary(ack.RecipientID)
		byDoc[ack.DocumentID] = append(byDoc[ack.DocumentID], ack)
	}
	for i := range docs {
		docs[i] = repo.joinDocument(docs[i])
		docs[i].Acknowledgements = byDoc[docs[i].ID]
	}
	return docs, nil
}

// acks returns a copy of every acknowledgement matching keep, oldest first.
func (repo *documentRepository) acks(keep func(ack *document.Acknowledgement) bool) []document.Acknowledgement {
	repo.db.acknowledgement.RLock()
	defer repo.db.acknowledgement.RUnlock()

	acks := make([]document.Acknowledgement, 0)
	for _, ack := range repo.db.acknowledgement.table {
		if keep == nil || keep(ack) {
			acks = append(acks, *ack)
		}
	}
	sort.SliceStable(acks, func(i, j int) bool {
		if acks[i].CreatedAt.Equal(acks[j].CreatedAt) {
			return acks[i].RecipientID < acks[j].RecipientID
		}
		return acks[i].CreatedAt.Before(acks[j].CreatedAt)
	})
	return acks
}

func (repo *documentRepository) deleteAcks(match func(ack *document.Acknowledgement) bool) int64 {
	repo.db.acknowledgement.Lock()
	defer repo.db.acknowledgement.Unlock()

	var n int64
	for id, ack := range repo.db.acknowledgement.table {
		if match(ack) {
			delete(repo.db.acknowledgement.pairs, ackKey{ack.DocumentID, ack.RecipientID})
			delete(repo.db.acknowledgement.table, id)
			n++
		}
	}
	return n
}

func (repo *documentRepository) GetAcknowledgement(_ context.Context, filter document.AckFilter, _ ...core.DBExecutor) (document.Acknowledgement, error) {
	repo.db.acknowledgement.RLock()
	id := filter.ID
	if id == "" {
		id = repo.db.acknowledgement.pairs[ackKey{filter.DocumentID, filter.RecipientID}]
	}
	ack, ok := repo.db.acknowledgement.table[id]
	var found document.Acknowledgement
	if ok {
		found = *ack
	}
	repo.db.acknowledgement.RUnlock()

	if !ok {
		return document.Acknowledgement{}, document.ErrAcknowledgementNotFound
	}
	return repo.joinAck(found), nil
}

func (repo *documentRepository) CreateAcknowledgement(_ context.Context, ack document.Acknowledgement, _ ...core.DBExecutor) (document.Acknowledgement, error) {
	if _, ok := repo.getDocument(ack.DocumentID); !ok {
		return document.Acknowledgement{}, document.ErrDocumentNotFound
	}

	repo.db.acknowledgement.Lock()
	defer repo.db.acknowledgement.Unlock()

	key := ackKey{ack.DocumentID, ack.RecipientID}
	if _, exists := repo.db.acknowledgement.pairs[key]; exists {
		return document.Acknowledgement{}, document.ErrDuplicateAcknowledgement
	}
	ack.ID = uuid.New().String()
	ack.Document = nil
	ack.Recipient = nil
	repo.db.acknowledgement.table[ack.ID] = &ack
	repo.db.acknowledgement.pairs[key] = ack.ID
	return ack, nil
}

func (repo *documentRepository) UpdateAcknowledgement(_ context.Context, ack document.Acknowledgement, _ ...core.DBExecutor) (document.Acknowledgement, error) {
	repo.db.acknowledgement.Lock()
	defer repo.db.acknowledgement.Unlock()

	cur, ok := repo.db.acknowledgement.table[ack.ID]
	if !ok {
		return document.Acknowledgement{}, document.ErrAcknowledgementNotFound
	}
	// only the lifecycle columns are writable
	upd := *cur
	upd.Status = ack.Status
	upd.ViewedAt = ack.ViewedAt
	upd.AcknowledgedAt = ack.AcknowledgedAt
	upd.DocumentHash = ack.DocumentHash
	upd.IPAddress = ack.IPAddress
	upd.UserAgent = ack.UserAgent
	repo.db.acknowledgement.table[ack.ID] = &upd
	return upd, nil
}

func (repo *documentRepository) ListAcknowledgementsForRecipient(_ context.Context, recipientID string, _ ...core.DBExecutor) ([]document.Acknowledgement, error) {
	acks := repo.acks(func(ack *document.Acknowledgement) bool { return ack.RecipientID == recipientID })
	sort.SliceStable(acks, func(i, j int) bool {
		return acks[i].CreatedAt.After(acks[j].CreatedAt)
	})
	for i := range acks {
		if doc, ok := repo.getDocument(acks[i].DocumentID); ok {
			doc = repo.joinDocument(doc)
			acks[i].Document = &doc
		}
	}
	return acks, nil
}

func (repo *documentRepository) ListOutstandingAcknowledgements(_ context.Context, createdBefore time.Time, _ ...core.DBExecutor) ([]document.Acknowledgement, error) {
	acks := repo.acks(func(ack *document.Acknowledgement) bool {
		return !ack.Status.IsAcknowledged() && ack.CreatedAt.Before(createdBefore)
	})
	sort.SliceStable(acks, func(i, j int) bool {
		if acks[i].RecipientID != acks[j].RecipientID {
			return acks[i].RecipientID < acks[j].RecipientID
		}
		return acks[i].CreatedAt.Before(acks[j].CreatedAt)
	})
	for i := range acks {
		acks[i] = repo.joinAck(acks[i])
	}
	return acks, nil
}

func (repo *documentRepository) DeleteAcknowledgementsForDocument(_ context.Context, documentID string, _ ...core.DBExecutor) (int64, error) {
	return repo.deleteAcks(func(ack *document.Acknowledgement) bool { return ack.DocumentID == documentID }), nil
}
