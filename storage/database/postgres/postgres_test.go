package pgrepos_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	logsvc "github.com/trezcool/growthhub/services/logger"
	"github.com/trezcool/growthhub/storage/database"
	pgrepos "github.com/trezcool/growthhub/storage/database/postgres"
	"github.com/trezcool/growthhub/testutil"
)

// prepareDB connects to TEST_DATABASE_URL, migrates it and empties every table.
func prepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.OpenURL(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Ping(context.Background(), db))
	require.NoError(t, database.Migrate(db, "up"))
	_, err = db.Exec("TRUNCATE document_acknowledgements, documents, users CASCADE")
	require.NoError(t, err)
	return db
}

func TestUserRepository(t *testing.T) {
	db := prepareDB(t)
	ctx := context.Background()
	repo := pgrepos.NewUserRepository(db)

	usr := testutil.CreateUser(t, repo, "Tom Teacher", "tom@test.cd", user.RoleTeacher, true)

	_, err := repo.CreateUser(ctx, user.User{FullName: "Dup", Email: "tom@test.cd", Role: user.RoleTeacher})
	assert.Equal(t, user.ErrEmailExists, errors.Cause(err))
	assert.Equal(t, user.ErrEmailExists, errors.Cause(repo.CheckEmailUniqueness(ctx, "tom@test.cd", nil)))
	assert.NoError(t, repo.CheckEmailUniqueness(ctx, "tom@test.cd", []user.User{usr}))

	got, err := repo.GetUser(ctx, user.GetFilter{Email: "tom@test.cd"})
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)
	assert.Equal(t, usr.PasswordHash, got.PasswordHash)

	_, err = repo.GetUser(ctx, user.GetFilter{ID: "0b0f6b4e-9f1c-4d8e-8f55-3c1b2f0e7a11"})
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))

	users, err := repo.GetUsersByID(ctx, []string{usr.ID, "0b0f6b4e-9f1c-4d8e-8f55-3c1b2f0e7a11"})
	require.NoError(t, err)
	assert.Len(t, users, 1)

	got.FullName = "Tom T."
	upd, err := repo.UpdateUser(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "Tom T.", upd.FullName)

	found, err := repo.QueryUsers(ctx, user.QueryFilter{Search: "tom t", Roles: []string{"TEACHER"}}, nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestDocumentService_postgres(t *testing.T) {
	db := prepareDB(t)
	ctx := context.Background()
	validate, _ := testutil.NewValidator()
	conf := testutil.Config(t.TempDir())

	usrRepo := pgrepos.NewUserRepository(db)
	repo := pgrepos.NewDocumentRepository(db)
	pub := new(testutil.Publisher)
	svc := document.NewService(database.NewTransactor(db), repo, usrRepo, nil, pub, nil, logsvc.Discard(), validate, conf)

	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	admin := testutil.CreateUser(t, usrRepo, "Ada Admin", "admin@test.cd", user.RoleAdmin, true)
	teacher1 := testutil.CreateUser(t, usrRepo, "Teacher One", "t1@test.cd", user.RoleTeacher, true)
	teacher2 := testutil.CreateUser(t, usrRepo, "Teacher Two", "t2@test.cd", user.RoleTeacher, true)
	doc := testutil.CreateDocument(t, repo, "conduct", leader)

	// concurrent assignments of the same pairs
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []document.Acknowledgement
	)
	for i := 0; i < 8; i++ {
		by := leader
		if i%2 == 1 {
			by = admin
		}
		wg.Add(1)
		go func(by user.User) {
			defer wg.Done()
			acks, err := svc.Assign(ctx, document.Assignment{DocumentID: doc.ID, RecipientIDs: []string{teacher1.ID, teacher2.ID}}, by)
			assert.NoError(t, err)
			mu.Lock()
			created = append(created, acks...)
			mu.Unlock()
		}(by)
	}
	wg.Wait()
	require.Len(t, created, 2)

	var ackID string
	for _, ack := range created {
		if ack.RecipientID == teacher1.ID {
			ackID = ack.ID
		}
	}

	// concurrent view & acknowledge never end up VIEWED
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.MarkViewed(ctx, ackID, teacher1)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := svc.Acknowledge(ctx, ackID, teacher1, document.Proof{Hash: "abc", IPAddress: "10.0.0.1"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	ack, err := repo.GetAcknowledgement(ctx, document.AckFilter{ID: ackID})
	require.NoError(t, err)
	assert.Equal(t, document.StatusAcknowledged, ack.Status)
	assert.Equal(t, "abc", ack.DocumentHash.String)
	assert.Equal(t, "10.0.0.1", ack.IPAddress.String)

	mine, err := svc.ListMine(ctx, teacher1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.NotNil(t, mine[0].Document)

	listing, err := svc.ListAll(ctx, leader)
	require.NoError(t, err)
	require.Len(t, listing.Documents, 1)
	assert.Len(t, listing.Documents[0].Acknowledgements, 2)
	assert.Equal(t, 1, listing.Documents[0].Stats.Acknowledged)

	// cascade
	require.NoError(t, svc.Delete(ctx, doc.ID, leader))
	var n int
	require.NoError(t, db.Get(&n, "SELECT COUNT(*) FROM document_acknowledgements"))
	assert.Zero(t, n)
}

func TestUserRepository_DeleteUsersByID(t *testing.T) {
	db := prepareDB(t)
	ctx := context.Background()
	usrRepo := pgrepos.NewUserRepository(db)
	repo := pgrepos.NewDocumentRepository(db)

	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher := testutil.CreateUser(t, usrRepo, "Tom Teacher", "tom@test.cd", user.RoleTeacher, true)
	other := testutil.CreateUser(t, usrRepo, "Ola Other", "ola@test.cd", user.RoleTeacher, true)
	doc := testutil.CreateDocument(t, repo, "conduct", leader)
	for _, r := range []user.User{teacher, other} {
		_, err := repo.CreateAcknowledgement(ctx, document.Acknowledgement{DocumentID: doc.ID, RecipientID: r.ID, Status: document.StatusPending})
		require.NoError(t, err)
	}

	n, err := usrRepo.DeleteUsersByID(ctx, []string{teacher.ID, "lol"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM document_acknowledgements WHERE recipient_id = $1", teacher.ID))
	assert.Zero(t, count)
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM document_acknowledgements"))
	assert.Equal(t, 1, count)

	n, err = usrRepo.DeleteUsersByID(ctx, []string{leader.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CreatedBy)
}
