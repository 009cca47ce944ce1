package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/media"
	"github.com/sakif/user-api/internal/model"
	sqliteRepo "github.com/sakif/user-api/internal/repository/sqlite"
	"github.com/sakif/user-api/internal/upload"
)

// =========================================================================
// FIXTURE
// =========================================================================

// memObjects is an in-memory media.ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "http://media.test/user-media/" + key, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type recordingSyncer struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingSyncer) Sync(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, u.Username)
	return nil
}

type testApp struct {
	handler   http.Handler
	db        *sqliteRepo.DB
	objects   *memObjects
	sync      *recordingSyncer
	uploadDir string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqliteRepo.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	access, err := auth.NewTokenService("access-secret-for-tests", time.Hour)
	require.NoError(t, err)
	refresh, err := auth.NewTokenService("refresh-secret-for-tests", 24*time.Hour)
	require.NoError(t, err)

	uploadDir := filepath.Join(t.TempDir(), "temp")
	stager, err := upload.NewStager(uploadDir, 1<<20, logger)
	require.NoError(t, err)

	app := &testApp{
		db:        db,
		objects:   &memObjects{objects: map[string][]byte{}},
		sync:      &recordingSyncer{},
		uploadDir: uploadDir,
	}

	srv, err := New(Config{
		TemplateDir: filepath.Join("..", "..", "web", "templates"),
		StaticDir:   filepath.Join("..", "..", "web", "static"),
		CORSOrigin:  "http://localhost:3000",
		BodyLimit:   16 << 10,
	}, logger, Deps{
		Users:     db,
		Passwords: auth.NewPasswordServiceForTest(),
		Access:    access,
		Refresh:   refresh,
		Media:     media.NewService(app.objects, "users", logger),
		Sync:      app.sync,
		Stager:    stager,
	})
	require.NoError(t, err)

	app.handler = srv.Handler()
	return app
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
}

func (a *testApp) do(t *testing.T, req *http.Request) (*http.Response, envelope) {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)

	res := rr.Result()
	var env envelope
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	}
	return res, env
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartRequest builds a form with text fields and one file per entry in files.
func multipartRequest(t *testing.T, method, path string, fields, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, name := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("image-bytes-" + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func cookieValue(res *http.Response, name string) string {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

var ada = map[string]string{
	"fullname": "Ada Lovelace",
	"email":    "ada@x.com",
	"username": "ada",
	"password": "secret123",
}

func (a *testApp) registerAda(t *testing.T) {
	t.Helper()
	res, env := a.do(t, multipartRequest(t, http.MethodPost, "/api/v1/users/register", ada, map[string]string{"avatar": "ada.png"}))
	require.Equal(t, http.StatusCreated, res.StatusCode, env.Message)
}

func (a *testApp) loginAda(t *testing.T) *http.Response {
	t.Helper()
	res, env := a.do(t, jsonRequest(t, http.MethodPost, "/api/v1/users/login", map[string]string{
		"email": "ada@x.com", "username": "ada", "password": "secret123",
	}))
	require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
	return res
}

// =========================================================================
// END-TO-END SCENARIOS
// =========================================================================

func TestRegister_EndToEnd(t *testing.T) {
	app := newTestApp(t)

	res, env := app.do(t, multipartRequest(t, http.MethodPost, "/api/v1/users/register", ada,
		map[string]string{"avatar": "ada.png", "coverImage": "cover.jpg"}))

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, http.StatusCreated, env.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, "User has been registered successfully", env.Message)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "ada", data["username"])
	assert.NotContains(t, data, "password")
	assert.NotContains(t, data, "refreshToken")
	assert.True(t, strings.HasPrefix(data["avatar"].(string), "http://media.test/user-media/users/"))

	assert.Len(t, app.objects.objects, 2)
	assert.Equal(t, []string{"ada"}, app.sync.users)

	entries, err := os.ReadDir(app.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged files must not outlive the request")
}

func TestRegister_WithoutAvatarWritesNothing(t *testing.T) {
	app := newTestApp(t)

	res, env := app.do(t, multipartRequest(t, http.MethodPost, "/api/v1/users/register", ada,
		map[string]string{"coverImage": "cover.jpg"}))

	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "Avatar is required", env.Message)
	assert.False(t, env.Success)

	users, err := app.db.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, app.objects.objects)
}

func TestLogin_EndToEnd(t *testing.T) {
	app := newTestApp(t)
	app.registerAda(t)

	res := app.loginAda(t)

	access := cookieValue(res, auth.AccessCookie)
	refresh := cookieValue(res, auth.RefreshCookie)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	for _, c := range res.Cookies() {
		assert.True(t, c.HttpOnly, "%s must be HttpOnly", c.Name)
		assert.False(t, c.Secure, "cookies are not Secure outside production")
	}
}

func TestLogin_EnvelopeCarriesTokens(t *testing.T) {
	app := newTestApp(t)
	app.registerAda(t)

	_, env := app.do(t, jsonRequest(t, http.MethodPost, "/api/v1/users/login", map[string]string{
		"email": "ada@x.com", "password": "secret123",
	}))

	var data struct {
		User         map[string]any `json:"user"`
		AccessToken  string         `json:"accessToken"`
		RefreshToken string         `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.AccessToken)
	assert.NotEmpty(t, data.RefreshToken)
	assert.Equal(t, "ada", data.User["username"])
	assert.NotContains(t, data.User, "password")
	assert.Equal(t, "User logged in successfully", env.Message)
}

func TestRefresh_SupersededTokenRejected(t *testing.T) {
	app := newTestApp(t)
	app.registerAda(t)
	first := cookieValue(app.loginAda(t), auth.RefreshCookie)

	// Rotate once through the body field.
	res, env := app.do(t, jsonRequest(t, http.MethodPost, "/api/v1/users/refresh-token", map[string]string{"refreshToken": first}))
	require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
	assert.Equal(t, "Access Token refreshed successfully", env.Message)
	assert.NotEmpty(t, cookieValue(res, auth.RefreshCookie))

	// The first token is still signed and unexpired, but superseded.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/refresh-token", nil)
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: first})
	res, env = app.do(t, req)

	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Invalid Refresh Token", env.Message)
	assert.False(t, env.Success)
}

// =========================================================================
// SECURED ROUTES
// =========================================================================

func TestSecuredRoutes(t *testing.T) {
	app := newTestApp(t)
	app.registerAda(t)
	login := app.loginAda(t)
	access := cookieValue(login, auth.AccessCookie)

	withAuth := func(req *http.Request) *http.Request {
		req.AddCookie(&http.Cookie{Name: auth.AccessCookie, Value: access})
		return req
	}

	t.Run("anonymous is rejected", func(t *testing.T) {
		res, env := app.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil))
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
		assert.Equal(t, "Unauthorized token", env.Message)
	})

	t.Run("current user", func(t *testing.T) {
		res, env := app.do(t, withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil)))
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "Current user details", env.Message)
		assert.NotContains(t, string(env.Data), "password")
	})

	t.Run("update details with urlencoded body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/users/update-account/details",
			strings.NewReader("fullname=Augusta+Ada+King&email=Ada%40Lovelace.org"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res, env := app.do(t, withAuth(req))

		require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
		var u map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &u))
		assert.Equal(t, "Augusta Ada King", u["fullname"])
		assert.Equal(t, "ada@lovelace.org", u["email"])
		assert.NotContains(t, u, "password")
		assert.NotContains(t, u, "refreshToken")
	})

	t.Run("avatar and cover image", func(t *testing.T) {
		res, env := app.do(t, withAuth(multipartRequest(t, http.MethodPatch, "/api/v1/users/avatar", nil,
			map[string]string{"avatar": "new.png"})))
		require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
		assert.Equal(t, "Avatar updated successfully", env.Message)

		res, env = app.do(t, withAuth(multipartRequest(t, http.MethodPatch, "/api/v1/users/cover-image", nil,
			map[string]string{"coverImage": "wide.jpg"})))
		require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
		assert.Equal(t, "Cover Image updated successfully", env.Message)

		res, env = app.do(t, withAuth(multipartRequest(t, http.MethodPatch, "/api/v1/users/avatar", nil, nil)))
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
		assert.Equal(t, "Avatar file is required", env.Message)
	})

	t.Run("change password", func(t *testing.T) {
		res, env := app.do(t, withAuth(jsonRequest(t, http.MethodPost, "/api/v1/users/change-password",
			map[string]string{"oldPassword": "secret123", "newPassword": "n3w-secret"})))
		require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
		assert.JSONEq(t, `{}`, string(env.Data))

		res, _ = app.do(t, jsonRequest(t, http.MethodPost, "/api/v1/users/login", map[string]string{
			"email": "ada@lovelace.org", "password": "secret123",
		}))
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("logout clears cookies", func(t *testing.T) {
		res, env := app.do(t, withAuth(httptest.NewRequest(http.MethodPost, "/api/v1/users/logout", nil)))
		require.Equal(t, http.StatusOK, res.StatusCode, env.Message)
		assert.Equal(t, "User logged out successfully", env.Message)

		cleared := 0
		for _, c := range res.Cookies() {
			if c.MaxAge < 0 {
				cleared++
			}
		}
		assert.Equal(t, 2, cleared)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/users/refresh-token", nil)
		req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: cookieValue(login, auth.RefreshCookie)})
		res, _ = app.do(t, req)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	})
}

// =========================================================================
// LOOKUPS AND PLUMBING
// =========================================================================

func TestListAndGetUser(t *testing.T) {
	app := newTestApp(t)
	app.registerAda(t)

	res, env := app.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Available Users", env.Message)

	var users []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &users))
	require.Len(t, users, 1)
	assert.NotContains(t, users[0], "password")

	id := users[0]["_id"].(string)
	res, env = app.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users/"+id, nil))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "User found", env.Message)

	res, env = app.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/users/nope", nil))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "User not found", env.Message)
}

func TestPlumbing(t *testing.T) {
	app := newTestApp(t)

	t.Run("healthz", func(t *testing.T) {
		res, env := app.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.True(t, env.Success)
	})

	t.Run("unknown route", func(t *testing.T) {
		res, env := app.do(t, httptest.NewRequest(http.MethodGet, "/api/v2/nothing", nil))
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
		assert.False(t, env.Success)
	})

	t.Run("wrong method", func(t *testing.T) {
		res, env := app.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/users/login", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
		assert.Equal(t, http.StatusMethodNotAllowed, env.StatusCode)
	})

	t.Run("oversized json body", func(t *testing.T) {
		big := map[string]string{"email": strings.Repeat("a", 32<<10)}
		res, _ := app.do(t, jsonRequest(t, http.MethodPost, "/api/v1/users/login", big))
		assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	})

	t.Run("login page", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `id="login-form"`)
	})

	t.Run("client script hides server failure reasons", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/static/js/app.js", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		js := rr.Body.String()
		assert.Contains(t, js, "Login failed. Please check your credentials and try again.")
		assert.Contains(t, js, "Registration failed. Please try again.")
		assert.NotContains(t, js, "showError(err.message)")
	})

	t.Run("metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "userapi_http_requests_total")
	})

	t.Run("cors preflight allows credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/users/login", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, req)

		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	})
}
