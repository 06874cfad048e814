package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
	emailsvc "github.com/trezcool/growthhub/services/email"
	"github.com/trezcool/growthhub/services/events"
	filesvc "github.com/trezcool/growthhub/services/files"
	logsvc "github.com/trezcool/growthhub/services/logger"
	dummydb "github.com/trezcool/growthhub/storage/database/dummy"
	"github.com/trezcool/growthhub/testutil"
)

var (
	db         *dummydb.DB
	app        *Server
	hub        *events.Hub
	conf       *core.Config
	usrRepo    user.Repository
	docRepo    document.Repository
	pub        *testutil.Publisher
	uploadsDir string

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
)

func TestMain(m *testing.M) {
	var err error

	uploadsDir, err = os.MkdirTemp("", "growthhub-uploads-")
	if err != nil {
		fmt.Printf("os.MkdirTemp(): %v", err)
		os.Exit(1)
	}
	conf = testutil.Config(uploadsDir)
	logger := logsvc.Discard()

	// set up DB & repos
	db = dummydb.Open()
	usrRepo = dummydb.NewUserRepository(db)
	docRepo = dummydb.NewDocumentRepository(db)

	// set up services
	validate, translator := testutil.NewValidator()
	files, err := filesvc.NewLocalStorage(conf.Storage.LocalDir, conf.Storage.PublicBaseURL)
	if err != nil {
		fmt.Printf("filesvc.NewLocalStorage(): %v", err)
		os.Exit(1)
	}
	mailSvc := emailsvc.NewConsoleServiceMock(logger, conf)
	pub = new(testutil.Publisher)
	hub = events.NewHub(logger, conf)

	usrSvc := user.NewService(usrRepo, validate)
	docSvc := document.NewService(db, docRepo, usrRepo, files, pub, mailSvc, logger, validate, conf)

	// set up server
	app = NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		UserSvc:    usrSvc,
		DocSvc:     docSvc,
		Hub:        hub,
		Validate:   validate,
		Translator: translator,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	// run tests
	code := m.Run()
	cancel()

	// clean up
	if err = os.RemoveAll(uploadsDir); err != nil {
		fmt.Printf("os.RemoveAll(): %v", err)
		os.Exit(1)
	}

	os.Exit(code)
}

func resetDB() {
	db.Reset()
	pub.Reset()
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

// newUploadRequest builds a multipart request carrying fields and, when content is not nil, a "file" part.
func newUploadRequest(t *testing.T, path, token string, fields map[string]string, filename, contentType string, content []byte) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(): %v", err)
		}
	}
	if content != nil {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
		h["Content-Type"] = []string{contentType}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart(): %v", err)
		}
		if _, err = part.Write(content); err != nil {
			t.Fatalf("part.Write(): %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("multipart.Close(): %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, httptest.NewRecorder()
}

func getToken(t *testing.T, usr user.User) string {
	token, err := app.Auth().UserToken(usr)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList(): %v", err)
	}
	return data
}

func unmarchall(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal(%s): %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	return false, nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHttpTests(t *testing.T, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestServer_health(t *testing.T) {
	runHttpTests(t, []httpTest{
		{name: "health", path: "/api/health", wantCode: http.StatusOK, wantData: []byte(`{"status":"ok"}`)},
		{name: "unknown route", path: "/api/v1/lol", wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "Not Found"})},
	})

	req, rec := newRequest(http.MethodGet, "/")
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "Welcome to Growth Hub API!" {
		t.Errorf("home: code = %v; body = %q", rec.Code, rec.Body.String())
	}
}
