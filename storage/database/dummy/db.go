package dummydb

import (
	"context"
	"sync"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
)

type (
	// DB is an in-memory store. Transactions are serialized and rolled back when fn fails.
	DB struct {
		txMu sync.Mutex

		user            *userTable
		document        *documentTable
		acknowledgement *acknowledgementTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	documentTable struct {
		sync.RWMutex
		table map[string]*document.Document
	}

	ackKey struct {
		documentID  string
		recipientID string
	}

	acknowledgementTable struct {
		sync.RWMutex
		table map[string]*document.Acknowledgement
		pairs map[ackKey]string // unique (document_id, recipient_id) -> id
	}
)

var _ core.Transactor = (*DB)(nil) // interface compliance check

func Open() *DB {
	return &DB{
		user:     &userTable{table: make(map[string]*user.User)},
		document: &documentTable{table: make(map[string]*document.Document)},
		acknowledgement: &acknowledgementTable{
			table: make(map[string]*document.Acknowledgement),
			pairs: make(map[ackKey]string),
		},
	}
}

func (db *DB) InTx(ctx context.Context, fn func(exec core.DBExecutor) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.txMu.Lock()
	defer db.txMu.Unlock()

	snap := db.snapshot()
	if err := fn(nil); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	users     map[string]user.User
	documents map[string]document.Document
	acks      map[string]document.Acknowledgement
}

func (db *DB) snapshot() snapshot {
	snap := snapshot{}

	db.user.RLock()
	snap.users = make(map[string]user.User, len(db.user.table))
	for id, u := range db.user.table {
		snap.users[id] = *u
	}
	db.user.RUnlock()

	db.document.RLock()
	snap.documents = make(map[string]document.Document, len(db.document.table))
	for id, d := range db.document.table {
		snap.documents[id] = *d
	}
	db.document.RUnlock()

	db.acknowledgement.RLock()
	snap.acks = make(map[string]document.Acknowledgement, len(db.acknowledgement.table))
	for id, a := range db.acknowledgement.table {
		snap.acks[id] = *a
	}
	db.acknowledgement.RUnlock()

	return snap
}

func (db *DB) restore(snap snapshot) {
	db.acknowledgement.Lock()
	db.acknowledgement.table = make(map[string]*document.Acknowledgement, len(snap.acks))
	db.acknowledgement.pairs = make(map[ackKey]string, len(snap.acks))
	for id := range snap.acks {
		a := snap.acks[id]
		db.acknowledgement.table[id] = &a
		db.acknowledgement.pairs[ackKey{a.DocumentID, a.RecipientID}] = id
	}
	db.acknowledgement.Unlock()

	db.document.Lock()
	db.document.table = make(map[string]*document.Document, len(snap.documents))
	for id := range snap.documents {
		d := snap.documents[id]
		db.document.table[id] = &d
	}
	db.document.Unlock()

	db.user.Lock()
	db.user.table = make(map[string]*user.User, len(snap.users))
	for id := range snap.users {
		u := snap.users[id]
		db.user.table[id] = &u
	}
	db.user.Unlock()
}

// Reset empties every table.
func (db *DB) Reset() {
	db.acknowledgement.Lock()
	db.acknowledgement.table = make(map[string]*document.Acknowledgement)
	db.acknowledgement.pairs = make(map[ackKey]string)
	db.acknowledgement.Unlock()

	db.document.Lock()
	db.document.table = make(map[string]*document.Document)
	db.document.Unlock()

	db.user.Lock()
	db.user.table = make(map[string]*user.User)
	db.user.Unlock()
}
