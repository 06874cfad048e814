package dummydb_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	dummydb "github.com/trezcool/growthhub/storage/database/dummy"
	"github.com/trezcool/growthhub/testutil"
)

func TestDocumentRepository_acknowledgements(t *testing.T) {
	ctx := context.Background()
	db := dummydb.Open()
	usrRepo := dummydb.NewUserRepository(db)
	repo := dummydb.NewDocumentRepository(db)

	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher := testutil.CreateUser(t, usrRepo, "Tom Teacher", "tom@test.cd", user.RoleTeacher, true)
	doc := testutil.CreateDocument(t, repo, "conduct", leader)

	got, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	if assert.NotNil(t, got.CreatedBy) {
		assert.Equal(t, leader.Summary(), *got.CreatedBy)
	}

	now := time.Now().UTC()
	ack, err := repo.CreateAcknowledgement(ctx, document.Acknowledgement{
		DocumentID: doc.ID, RecipientID: teacher.ID, Status: document.StatusPending, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)

	// unique (document, recipient)
	_, err = repo.CreateAcknowledgement(ctx, document.Acknowledgement{
		DocumentID: doc.ID, RecipientID: teacher.ID, Status: document.StatusPending, CreatedAt: now,
	})
	assert.Equal(t, document.ErrDuplicateAcknowledgement, errors.Cause(err))

	// foreign key
	_, err = repo.CreateAcknowledgement(ctx, document.Acknowledgement{
		DocumentID: "0b0f6b4e-9f1c-4d8e-8f55-3c1b2f0e7a11", RecipientID: teacher.ID, Status: document.StatusPending,
	})
	assert.Equal(t, document.ErrDocumentNotFound, errors.Cause(err))

	byPair, err := repo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: teacher.ID})
	require.NoError(t, err)
	assert.Equal(t, ack.ID, byPair.ID)
	if assert.NotNil(t, byPair.Recipient) && assert.NotNil(t, byPair.Document) {
		assert.Equal(t, teacher.Email, byPair.Recipient.Email)
		assert.Equal(t, doc.Title, byPair.Document.Title)
	}

	// only the lifecycle columns are written
	upd := byPair
	upd.Status = document.StatusViewed
	upd.RecipientID = leader.ID
	saved, err := repo.UpdateAcknowledgement(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, document.StatusViewed, saved.Status)
	assert.Equal(t, teacher.ID, saved.RecipientID)

	docs, err := repo.ListDocumentsWithAcknowledgements(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Len(t, docs[0].Acknowledgements, 1)
	assert.NotNil(t, docs[0].Acknowledgements[0].Recipient)

	outstanding, err := repo.ListOutstandingAcknowledgements(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, outstanding, 1)
	outstanding, err = repo.ListOutstandingAcknowledgements(ctx, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	// cascade
	require.NoError(t, repo.DeleteDocument(ctx, doc.ID))
	_, err = repo.GetAcknowledgement(ctx, document.AckFilter{ID: ack.ID})
	assert.Equal(t, document.ErrAcknowledgementNotFound, errors.Cause(err))
	mine, err := repo.ListAcknowledgementsForRecipient(ctx, teacher.ID)
	require.NoError(t, err)
	assert.Empty(t, mine)

	// the pair is free again
	doc2 := testutil.CreateDocument(t, repo, "conduct-v2", leader)
	_, err = repo.CreateAcknowledgement(ctx, document.Acknowledgement{DocumentID: doc2.ID, RecipientID: teacher.ID, Status: document.StatusPending})
	assert.NoError(t, err)
}

func TestDB_InTx(t *testing.T) {
	db := dummydb.Open()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := db.InTx(ctx, func(core.DBExecutor) error {
		called = true
		return nil
	})
	assert.Equal(t, context.Canceled, err)
	assert.False(t, called)

	wantErr := errors.New("lol")
	err = db.InTx(context.Background(), func(exec core.DBExecutor) error {
		assert.Nil(t, exec)
		return wantErr
	})
	assert.Equal(t, wantErr, err)
}

func TestDB_InTx_rollback(t *testing.T) {
	ctx := context.Background()
	db := dummydb.Open()
	usrRepo := dummydb.NewUserRepository(db)
	repo := dummydb.NewDocumentRepository(db)

	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher := testutil.CreateUser(t, usrRepo, "Tom Teacher", "tom@test.cd", user.RoleTeacher, true)
	doc := testutil.CreateDocument(t, repo, "conduct", leader)

	wantErr := errors.New("lol")
	err := db.InTx(ctx, func(exec core.DBExecutor) error {
		if _, err := repo.CreateAcknowledgement(ctx, document.Acknowledgement{
			DocumentID: doc.ID, RecipientID: teacher.ID, Status: document.StatusPending,
		}, exec); err != nil {
			return err
		}
		if err := repo.DeleteDocument(ctx, doc.ID, exec); err != nil {
			return err
		}
		return wantErr
	})
	assert.Equal(t, wantErr, err)

	// nothing written by the failed tx survives
	_, err = repo.GetDocument(ctx, doc.ID)
	assert.NoError(t, err)
	_, err = repo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: teacher.ID})
	assert.Equal(t, document.ErrAcknowledgementNotFound, errors.Cause(err))

	// the unique pair index was restored with the table
	err = db.InTx(ctx, func(exec core.DBExecutor) error {
		_, err := repo.CreateAcknowledgement(ctx, document.Acknowledgement{
			DocumentID: doc.ID, RecipientID: teacher.ID, Status: document.StatusPending,
		}, exec)
		return err
	})
	require.NoError(t, err)
	_, err = repo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: teacher.ID})
	assert.NoError(t, err)
}

func TestUserRepository_DeleteUsersByID(t *testing.T) {
	ctx := context.Background()
	db := dummydb.Open()
	usrRepo := dummydb.NewUserRepository(db)
	repo := dummydb.NewDocumentRepository(db)

	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher := testutil.CreateUser(t, usrRepo, "Tom Teacher", "tom@test.cd", user.RoleTeacher, true)
	other := testutil.CreateUser(t, usrRepo, "Ola Other", "ola@test.cd", user.RoleTeacher, true)
	doc := testutil.CreateDocument(t, repo, "conduct", leader)

	for _, r := range []user.User{teacher, other} {
		_, err := repo.CreateAcknowledgement(ctx, document.Acknowledgement{DocumentID: doc.ID, RecipientID: r.ID, Status: document.StatusPending})
		require.NoError(t, err)
	}

	n, err := usrRepo.DeleteUsersByID(ctx, []string{teacher.ID, "0b0f6b4e-9f1c-4d8e-8f55-3c1b2f0e7a11"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// acknowledgements cascade
	_, err = repo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: teacher.ID})
	assert.Equal(t, document.ErrAcknowledgementNotFound, errors.Cause(err))
	_, err = repo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: other.ID})
	assert.NoError(t, err)

	// documents lose their creator
	n, err = usrRepo.DeleteUsersByID(ctx, []string{leader.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CreatedByID)
	assert.Nil(t, got.CreatedBy)

	n, err = usrRepo.DeleteUsersByID(ctx, []string{leader.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}
