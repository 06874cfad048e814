package echoapi

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	"github.com/trezcool/growthhub/testutil"
)

func Test_userApi_login(t *testing.T) {
	resetDB()

	usr := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher@test.cd", user.RoleTeacher, true)
	testutil.CreateUser(t, usrRepo, "N Dog", "ndog@test.cd", user.RoleTeacher, false)

	login := func(email, pwd string) []byte {
		return marchallObj(t, LoginRequest{Email: email, Password: pwd})
	}

	runHttpTests(t, []httpTest{
		{
			name: "missing fields", method: http.MethodPost, path: "/api/v1/users/login", body: []byte(`{}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"email":"this field is required","password":"this field is required"}`),
		},
		{
			name: "unknown email", method: http.MethodPost, path: "/api/v1/users/login", body: login("lol@test.cd", testutil.Password),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "wrong password", method: http.MethodPost, path: "/api/v1/users/login", body: login(usr.Email, "lol"),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated", method: http.MethodPost, path: "/api/v1/users/login", body: login("ndog@test.cd", testutil.Password),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
	})

	t.Run("success", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, "/api/v1/users/login", login(" TEACHER@test.cd ", testutil.Password))
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp LoginResponse
		unmarchall(t, rec, &resp)
		require.NotNil(t, resp.User)
		assert.Equal(t, usr.ID, resp.User.ID)
		assert.False(t, resp.User.LastLogin.IsZero())

		claims := new(Claims)
		_, err := jwt.ParseWithClaims(resp.Token, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(conf.SecretKey), nil
		})
		require.NoError(t, err)
		assert.Equal(t, usr.ID, claims.Subject)
		assert.Equal(t, user.RoleTeacher, claims.Role)
		assert.False(t, claims.IsSupervisory)
	})
}

func Test_userApi_me(t *testing.T) {
	resetDB()

	usr := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher@test.cd", user.RoleTeacher, true)
	naughty := testutil.CreateUser(t, usrRepo, "N Dog", "ndog@test.cd", user.RoleTeacher, false)
	ghost := user.User{ID: "8d1a3a43-3f43-4c66-9d4c-0c1a5e4b9b1f", Email: "ghost@test.cd", Role: user.RoleTeacher}

	runHttpTests(t, []httpTest{
		{name: "Auth required", path: "/api/v1/users/me", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "bad token", path: "/api/v1/users/me", token: "lol",
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, httpErr{Error: "invalid or expired jwt"}),
		},
		{
			name: "deactivated", path: "/api/v1/users/me", token: getToken(t, naughty),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{
			name: "deleted user", path: "/api/v1/users/me", token: getToken(t, ghost),
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, httpErr{Error: "user not authenticated"}),
		},
		{name: "me", path: "/api/v1/users/me", token: getToken(t, usr), wantCode: http.StatusOK, wantData: marchallObj(t, usr)},
	})
}

func Test_userApi_refreshToken(t *testing.T) {
	resetDB()

	usr := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher@test.cd", user.RoleTeacher, true)

	expired, err := app.Auth().GenerateToken(app.Auth().Claims(usr, time.Now().Add(-conf.JWTRefreshExpirationDelta-time.Minute).Unix()))
	require.NoError(t, err)

	runHttpTests(t, []httpTest{
		{name: "Auth required", method: http.MethodPost, path: "/api/v1/users/token-refresh", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "refresh expired", method: http.MethodPost, path: "/api/v1/users/token-refresh", token: expired,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "refresh has expired"}),
		},
	})

	req, rec := newAuthRequest(http.MethodPost, "/api/v1/users/token-refresh", getToken(t, usr))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp LoginResponse
	unmarchall(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Nil(t, resp.User)
}

func Test_userApi_query(t *testing.T) {
	resetDB()

	now := time.Now()
	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true, now.Add(1*time.Hour))
	teacher := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher@test.cd", user.RoleTeacher, true, now.Add(2*time.Hour))
	manager := testutil.CreateUser(t, usrRepo, "Mia Management", "mia@test.cd", user.RoleManagement, true, now.Add(3*time.Hour))
	naughty := testutil.CreateUser(t, usrRepo, "N Dog", "ndog@test.cd", user.RoleTeacher, false, now.Add(4*time.Hour))

	path := func(v url.Values) string { return "/api/v1/users?" + v.Encode() }
	leaderToken := getToken(t, leader)

	runHttpTests(t, []httpTest{
		{name: "Auth required", path: "/api/v1/users", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Supervisor required", path: "/api/v1/users", token: getToken(t, teacher),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "Management is not supervisory", path: "/api/v1/users", token: getToken(t, manager),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "Get all", path: "/api/v1/users", token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t, naughty, manager, teacher, leader),
		},
		{
			name: "search=teach", path: path(url.Values{"search": {"teach"}}), token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t, teacher),
		},
		{
			name: "role=teacher", path: path(url.Values{"role": {"teacher"}}), token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t, naughty, teacher),
		},
		{
			name: "is_active=false", path: path(url.Values{"is_active": {"false"}}), token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t, naughty),
		},
		{
			name: "ordering=created_at", path: path(url.Values{"ordering": {"created_at"}}), token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t, leader, teacher, manager, naughty),
		},
		{
			name: "search (unknown)", path: path(url.Values{"search": {"lol"}}), token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallList(t),
		},
		{
			name: "retrieve", path: "/api/v1/users/" + teacher.ID, token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallObj(t, teacher),
		},
		{
			name: "retrieve (unknown)", path: "/api/v1/users/lol", token: leaderToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "not found"}),
		},
		{
			name: "roles", path: "/api/v1/users/roles", token: leaderToken,
			wantCode: http.StatusOK, wantData: marchallObj(t, user.Roles),
		},
	})
}

func Test_userApi_create(t *testing.T) {
	resetDB()

	admin := testutil.CreateUser(t, usrRepo, "Ada Admin", "admin@test.cd", user.RoleAdmin, true)
	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	adminToken := getToken(t, admin)

	newUser := func(email string, role user.Role) []byte {
		return marchallObj(t, user.NewUser{
			FullName:        "New Person",
			Email:           email,
			Role:            role,
			Password:        testutil.Password,
			PasswordConfirm: testutil.Password,
		})
	}

	runHttpTests(t, []httpTest{
		{
			name: "Admin required", method: http.MethodPost, path: "/api/v1/users/register", token: getToken(t, leader),
			body: newUser("new@test.cd", user.RoleTeacher), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "role above own", method: http.MethodPost, path: "/api/v1/users/register", token: adminToken,
			body: newUser("new@test.cd", user.RoleSuperAdmin), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"role": errNoPermsToSetRole}),
		},
		{
			name: "unknown role", method: http.MethodPost, path: "/api/v1/users/register", token: adminToken,
			body: newUser("new@test.cd", "JANITOR"), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"role": "invalid role"}),
		},
		{
			name: "email taken", method: http.MethodPost, path: "/api/v1/users/register", token: adminToken,
			body: newUser("leader@test.cd", user.RoleTeacher), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"email": user.ErrEmailExists.Error()}),
		},
	})

	req, rec := newAuthRequest(http.MethodPost, "/api/v1/users/register", adminToken, newUser("New@Test.cd", user.RoleLeader))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created user.User
	unmarchall(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "new@test.cd", created.Email)
	assert.Equal(t, user.RoleLeader, created.Role)
	assert.True(t, created.IsActive)

	stored, err := usrRepo.GetUser(req.Context(), user.GetFilter{ID: created.ID})
	require.NoError(t, err)
	assert.NoError(t, stored.CheckPassword(testutil.Password))
}

func Test_userApi_update(t *testing.T) {
	resetDB()

	admin := testutil.CreateUser(t, usrRepo, "Ada Admin", "admin@test.cd", user.RoleAdmin, true)
	superAdmin := testutil.CreateUser(t, usrRepo, "Sam Super", "super@test.cd", user.RoleSuperAdmin, true)
	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher@test.cd", user.RoleTeacher, true)
	adminToken := getToken(t, admin)
	teacherToken := getToken(t, teacher)
	path := "/api/v1/users/" + teacher.ID

	runHttpTests(t, []httpTest{
		{name: "Auth required", method: http.MethodPatch, path: path, body: []byte(`{}`), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Admin required", method: http.MethodPatch, path: path, token: getToken(t, leader), body: []byte(`{"is_active":false}`),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "own account: Admin required", method: http.MethodPatch, path: path, token: teacherToken, body: []byte(`{"full_name":"Boss"}`),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "unknown", method: http.MethodPatch, path: "/api/v1/users/" + unknownID, token: adminToken, body: []byte(`{}`),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "not found"}),
		},
		{
			name: "user above own role", method: http.MethodPatch, path: "/api/v1/users/" + superAdmin.ID, token: adminToken, body: []byte(`{"is_active":false}`),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "role above own", method: http.MethodPatch, path: path, token: adminToken, body: []byte(`{"role":"SUPERADMIN"}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"role": errNoPermsToSetRole}),
		},
		{
			name: "unknown role", method: http.MethodPatch, path: path, token: adminToken, body: []byte(`{"role":"JANITOR"}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"role": "invalid role"}),
		},
		{
			name: "email taken", method: http.MethodPatch, path: path, token: adminToken, body: []byte(`{"email":"leader@test.cd"}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"email": user.ErrEmailExists.Error()}),
		},
		{
			name: "cannot deactivate themselves", method: http.MethodPatch, path: "/api/v1/users/" + admin.ID, token: adminToken, body: []byte(`{"is_active":false}`),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
	})

	req, rec := newAuthRequest(http.MethodPatch, path, adminToken, []byte(`{"full_name":" Teacher Uno ","role":"MANAGEMENT","is_active":false}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated user.User
	unmarchall(t, rec, &updated)
	assert.Equal(t, "Teacher Uno", updated.FullName)
	assert.Equal(t, teacher.Email, updated.Email)
	assert.Equal(t, user.RoleManagement, updated.Role)
	assert.False(t, updated.IsActive)

	// a deactivated user is locked out even with a valid token
	runHttpTests(t, []httpTest{
		{
			name: "deactivated", path: "/api/v1/users/me", token: teacherToken,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
	})

	// PUT is accepted too
	req, rec = newAuthRequest(http.MethodPut, path, adminToken, []byte(`{"is_active":true}`))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated = user.User{}
	unmarchall(t, rec, &updated)
	assert.True(t, updated.IsActive)
	assert.Equal(t, "Teacher Uno", updated.FullName)
}

func Test_userApi_destroy(t *testing.T) {
	resetDB()
	ctx := context.Background()

	admin := testutil.CreateUser(t, usrRepo, "Ada Admin", "admin@test.cd", user.RoleAdmin, true)
	leader := testutil.CreateUser(t, usrRepo, "Lea Leader", "leader@test.cd", user.RoleLeader, true)
	teacher1 := testutil.CreateUser(t, usrRepo, "Teacher One", "teacher1@test.cd", user.RoleTeacher, true)
	teacher2 := testutil.CreateUser(t, usrRepo, "Teacher Two", "teacher2@test.cd", user.RoleTeacher, true)
	teacher3 := testutil.CreateUser(t, usrRepo, "Teacher Three", "teacher3@test.cd", user.RoleTeacher, true)
	adminToken := getToken(t, admin)

	doc := testutil.CreateDocument(t, docRepo, "Handbook", leader)
	for _, r := range []user.User{teacher1, teacher2, teacher3} {
		_, err := docRepo.CreateAcknowledgement(ctx, document.Acknowledgement{DocumentID: doc.ID, RecipientID: r.ID, Status: document.StatusPending})
		require.NoError(t, err)
	}

	runHttpTests(t, []httpTest{
		{name: "Auth required", method: http.MethodDelete, path: "/api/v1/users/" + teacher1.ID, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Admin required", method: http.MethodDelete, path: "/api/v1/users/" + teacher1.ID, token: getToken(t, leader),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "cannot delete themselves", method: http.MethodDelete, path: "/api/v1/users/" + admin.ID, token: adminToken,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "unknown", method: http.MethodDelete, path: "/api/v1/users/" + unknownID, token: adminToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "not found"}),
		},
		{
			name: "multiple: cannot delete themselves", method: http.MethodDelete, path: "/api/v1/users", token: adminToken,
			body:     marchallObj(t, DestroyMultipleRequest{IDs: []string{teacher2.ID, admin.ID}}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{name: "delete", method: http.MethodDelete, path: "/api/v1/users/" + teacher1.ID, token: adminToken, wantCode: http.StatusNoContent},
		{
			name: "delete multiple", method: http.MethodDelete, path: "/api/v1/users", token: adminToken,
			body: marchallObj(t, DestroyMultipleRequest{IDs: []string{teacher2.ID, unknownID}}), wantCode: http.StatusNoContent,
		},
		{
			name: "delete multiple (none found)", method: http.MethodDelete, path: "/api/v1/users", token: adminToken,
			body: marchallObj(t, DestroyMultipleRequest{IDs: []string{unknownID}}), wantCode: http.StatusNoContent,
		},
	})

	for _, r := range []user.User{teacher1, teacher2} {
		_, err := usrRepo.GetUser(ctx, user.GetFilter{ID: r.ID})
		assert.Equal(t, user.ErrNotFound, err)

		// a deleted recipient's acknowledgements go with them
		_, err = docRepo.GetAcknowledgement(ctx, document.AckFilter{DocumentID: doc.ID, RecipientID: r.ID})
		assert.Equal(t, document.ErrAcknowledgementNotFound, err)
	}

	req, rec := newAuthRequest(http.MethodGet, "/api/v1/documents", getToken(t, leader))
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var docs []document.Document
	unmarchall(t, rec, &docs)
	require.Len(t, docs, 1)
	require.Len(t, docs[0].Acknowledgements, 1)
	assert.Equal(t, teacher3.ID, docs[0].Acknowledgements[0].RecipientID)
	require.NotNil(t, docs[0].Stats)
	assert.Equal(t, 1, docs[0].Stats.AssignedTo)
}
