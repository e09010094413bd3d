package routes

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jamesirl/blog/config"
	"github.com/jamesirl/blog/middleware"
	"github.com/jamesirl/blog/models"
	"github.com/jamesirl/blog/utils"
)

var uploadsDir string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "blog-test")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)
	uploadsDir = filepath.Join(dir, "uploads")

	os.Setenv("SESSION_SECRET", "test-secret")
	os.Setenv("ADMIN_USERNAMES", "overlord")
	os.Setenv("GIN_MODE", "test")
	os.Setenv("GIN_PATH", filepath.Join(dir, "gin.log"))
	os.Setenv("UPLOADS_DIR", uploadsDir)
	// Point Redis at a closed port so caching degrades to a miss everywhere.
	os.Setenv("REDIS_HOST", "127.0.0.1")
	os.Setenv("REDIS_PORT", "1")
	config.Load()

	os.Exit(m.Run())
}

func setupTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Post{}))
	t.Cleanup(func() { sqlDB.Close() })

	return SetupRouter(db), db
}

func seedPost(t *testing.T, db *gorm.DB, title, topic, slug, markdown string) models.Post {
	t.Helper()
	post := models.Post{
		Title:        title,
		Tags:         "intro",
		Topic:        topic,
		FriendlyURL:  slug,
		BodyPreview:  "preview of " + title,
		BodyMarkdown: markdown,
	}
	require.NoError(t, db.Create(&post).Error)
	return post
}

func seedUser(t *testing.T, db *gorm.DB, username, password, privilege string) models.User {
	t.Helper()
	hash, err := utils.HashPassword(password)
	require.NoError(t, err)
	user := models.User{Username: username, PasswordHash: hash, Privilege: privilege}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func sessionCookie(t *testing.T, username, privilege string) *http.Cookie {
	t.Helper()
	token, err := utils.GenerateSessionToken(username, privilege, time.Hour)
	require.NoError(t, err)
	return &http.Cookie{Name: middleware.SessionCookieName, Value: token}
}

func doGet(r *gin.Engine, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doPostForm(r *gin.Engine, path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIndexListsPostsNewestFirst(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "First Post", "general", "first-post", "body one")
	seedPost(t, db, "Second Post", "tech", "second-post", "body two")

	w := doGet(r, "/")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "First Post")
	assert.Contains(t, body, "Second Post")
	assert.Less(t, strings.Index(body, "Second Post"), strings.Index(body, "First Post"),
		"newer posts should render before older ones")
}

func TestIndexEmpty(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doGet(r, "/")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No posts yet")
}

func TestIndexPagination(t *testing.T) {
	r, db := setupTestRouter(t)
	for i := 1; i <= 12; i++ {
		seedPost(t, db, fmt.Sprintf("Post %02d", i), "general", fmt.Sprintf("post-%02d", i), "body")
	}

	w := doGet(r, "/?page=2")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	// Default page size is 10: page 2 holds the two oldest posts.
	assert.Contains(t, body, "Post 01")
	assert.Contains(t, body, "Post 02")
	assert.NotContains(t, body, "Post 03")
}

func TestIndexHugePageNumberIsEmptyNotFirstPage(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "Only Post", "general", "only-post", "body")

	// Large enough that an unclamped offset computation would overflow and
	// fall back to serving page 1.
	w := doGet(r, "/?page=922337203685477580")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Only Post")
	assert.Contains(t, w.Body.String(), "No posts yet")
}

func TestFilterIsExactMatch(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "Tech Post", "tech", "tech-post", "body")
	seedPost(t, db, "General Post", "general", "general-post", "body")

	w := doGet(r, "/filter/tech")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Tech Post")
	assert.NotContains(t, w.Body.String(), "General Post")

	// Case matters; no normalization is applied.
	w = doGet(r, "/filter/Tech")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Tech Post")
}

func TestFilterEmptyTopicIsNotAnError(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "Tech Post", "tech", "tech-post", "body")

	w := doGet(r, "/filter/misc")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No posts yet")
}

func TestShowRendersMarkdownAsHTML(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "Hello", "general", "hello", "# Hi")

	w := doGet(r, "/posts/hello")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<h1>Hi</h1>")
	assert.NotContains(t, body, "# Hi")
}

func TestShowByPIDRedirectsToSlug(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Hello", "general", "hello", "# Hi")

	w := doGet(r, fmt.Sprintf("/posts/%d", post.PID))

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/posts/hello", w.Header().Get("Location"))
}

func TestShowSlugAndPIDResolveSamePost(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Hello", "general", "hello", "# Hi")

	bySlug := doGet(r, "/posts/hello")
	require.Equal(t, http.StatusOK, bySlug.Code)

	byPID := doGet(r, fmt.Sprintf("/posts/%d", post.PID))
	require.Equal(t, http.StatusFound, byPID.Code)
	followed := doGet(r, byPID.Header().Get("Location"))
	require.Equal(t, http.StatusOK, followed.Code)
	assert.Equal(t, bySlug.Body.String(), followed.Body.String())
}

func TestShowUnknownPost(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doGet(r, "/posts/nope")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShowDuplicateSlugIsServerError(t *testing.T) {
	r, db := setupTestRouter(t)
	// Drop the unique index to simulate corrupted data; duplicate slugs must
	// surface as a server error, never render one of the two rows.
	require.NoError(t, db.Migrator().DropIndex(&models.Post{}, "FriendlyURL"))
	seedPost(t, db, "One", "general", "dup", "body")
	seedPost(t, db, "Two", "general", "dup", "body")

	w := doGet(r, "/posts/dup")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCreateRequiresGod(t *testing.T) {
	r, db := setupTestRouter(t)
	form := url.Values{
		"title":    {"Sneaky"},
		"topic":    {"general"},
		"markdown": {"body"},
	}

	// No session at all.
	w := doPostForm(r, "/create", form)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Authenticated but not god.
	w = doPostForm(r, "/create", form, sessionCookie(t, "alice", models.PrivilegeUser))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count, "gate failure must not execute the protected operation")
}

func TestCreateFormRequiresGod(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doGet(r, "/create")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doGet(r, "/create", sessionCookie(t, "overlord", models.PrivilegeGod))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRoundTrip(t *testing.T) {
	r, db := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	form := url.Values{
		"title":    {"Hello"},
		"tags":     {"intro"},
		"topic":    {"general"},
		"preview":  {"Hi"},
		"markdown": {"# Hi"},
	}
	w := doPostForm(r, "/create", form, god)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	var post models.Post
	require.NoError(t, db.First(&post).Error)
	assert.Equal(t, "Hello", post.Title)
	assert.Equal(t, "intro", post.Tags)
	assert.Equal(t, "general", post.Topic)
	assert.Equal(t, "Hi", post.BodyPreview)
	assert.Equal(t, "# Hi", post.BodyMarkdown)
	assert.Equal(t, "hello", post.FriendlyURL)
	assert.False(t, post.DateCreated.IsZero())

	home := doGet(r, "/")
	assert.Contains(t, home.Body.String(), "Hello")

	detail := doGet(r, "/posts/hello")
	require.Equal(t, http.StatusOK, detail.Code)
	assert.Contains(t, detail.Body.String(), "<h1>Hi</h1>")
}

func TestCreateGeneratedSlugsAreUnique(t *testing.T) {
	r, db := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	form := url.Values{
		"title":    {"Hello"},
		"topic":    {"general"},
		"markdown": {"body"},
	}
	require.Equal(t, http.StatusFound, doPostForm(r, "/create", form, god).Code)
	require.Equal(t, http.StatusFound, doPostForm(r, "/create", form, god).Code)

	var slugs []string
	require.NoError(t, db.Model(&models.Post{}).Order("pid").Pluck("friendly_url", &slugs).Error)
	assert.Equal(t, []string{"hello", "hello-2"}, slugs)
}

func TestCreateValidation(t *testing.T) {
	r, db := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	cases := []struct {
		name string
		form url.Values
	}{
		{"missing title", url.Values{"topic": {"general"}, "markdown": {"body"}}},
		{"missing body", url.Values{"title": {"T"}, "topic": {"general"}}},
		{"unknown topic", url.Values{"title": {"T"}, "topic": {"nonsense"}, "markdown": {"body"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doPostForm(r, "/create", tc.form, god)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateRejectsTakenSlug(t *testing.T) {
	r, db := setupTestRouter(t)
	seedPost(t, db, "Existing", "general", "taken", "body")
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	form := url.Values{
		"title":        {"Another"},
		"topic":        {"general"},
		"markdown":     {"body"},
		"friendly_url": {"taken"},
	}
	w := doPostForm(r, "/create", form, god)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "already in use")
}

func TestEditOverwritesFieldsButNotDateOrSlug(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Before", "general", "before", "old body")
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	form := url.Values{
		"title":    {"After"},
		"tags":     {"updated"},
		"topic":    {"tech"},
		"preview":  {"new preview"},
		"markdown": {"new body"},
	}
	w := doPostForm(r, fmt.Sprintf("/edit/%d", post.PID), form, god)
	require.Equal(t, http.StatusFound, w.Code)

	var updated models.Post
	require.NoError(t, db.First(&updated, "pid = ?", post.PID).Error)
	assert.Equal(t, "After", updated.Title)
	assert.Equal(t, "updated", updated.Tags)
	assert.Equal(t, "tech", updated.Topic)
	assert.Equal(t, "new preview", updated.BodyPreview)
	assert.Equal(t, "new body", updated.BodyMarkdown)
	assert.Equal(t, "before", updated.FriendlyURL)
	assert.WithinDuration(t, post.DateCreated, updated.DateCreated, time.Second)
}

func TestEditMissingPostIs404(t *testing.T) {
	r, _ := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	form := url.Values{
		"title":    {"After"},
		"topic":    {"general"},
		"markdown": {"body"},
	}
	w := doPostForm(r, "/edit/9999", form, god)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEditRequiresGod(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Before", "general", "before", "old body")

	form := url.Values{
		"title":    {"Hijacked"},
		"topic":    {"general"},
		"markdown": {"evil"},
	}
	w := doPostForm(r, fmt.Sprintf("/edit/%d", post.PID), form, sessionCookie(t, "alice", models.PrivilegeUser))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var unchanged models.Post
	require.NoError(t, db.First(&unchanged, "pid = ?", post.PID).Error)
	assert.Equal(t, "Before", unchanged.Title)
}

func TestDeleteRequiresGod(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Keep Me", "general", "keep-me", "body")

	w := doPostForm(r, fmt.Sprintf("/delete/%d", post.PID), url.Values{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Where("pid = ?", post.PID).Count(&count).Error)
	assert.EqualValues(t, 1, count, "post must survive an ungated delete attempt")
}

func TestDeleteAsGod(t *testing.T) {
	r, db := setupTestRouter(t)
	post := seedPost(t, db, "Doomed", "general", "doomed", "body")
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	w := doPostForm(r, fmt.Sprintf("/delete/%d", post.PID), url.Values{}, god)
	require.Equal(t, http.StatusFound, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Where("pid = ?", post.PID).Count(&count).Error)
	assert.Zero(t, count)

	w = doPostForm(r, fmt.Sprintf("/delete/%d", post.PID), url.Values{}, god)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterPrivilegeAssignment(t *testing.T) {
	r, db := setupTestRouter(t)

	w := doPostForm(r, "/register", url.Values{"username": {"overlord"}, "password": {"secret-1"}})
	require.Equal(t, http.StatusFound, w.Code)

	w = doPostForm(r, "/register", url.Values{"username": {"alice"}, "password": {"secret-2"}})
	require.Equal(t, http.StatusFound, w.Code)

	var admin, regular models.User
	require.NoError(t, db.First(&admin, "username = ?", "overlord").Error)
	require.NoError(t, db.First(&regular, "username = ?", "alice").Error)
	assert.Equal(t, models.PrivilegeGod, admin.Privilege)
	assert.Equal(t, models.PrivilegeUser, regular.Privilege)

	// Passwords are stored hashed, never plaintext.
	assert.NotEqual(t, "secret-1", admin.PasswordHash)
	assert.True(t, utils.CheckPassword(admin.PasswordHash, "secret-1"))
}

func TestRegisterDuplicateUsername(t *testing.T) {
	r, db := setupTestRouter(t)
	seedUser(t, db, "alice", "secret-1", models.PrivilegeUser)

	w := doPostForm(r, "/register", url.Values{"username": {"alice"}, "password": {"secret-2"}})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "already exists")
}

func TestRegisterDoesNotEstablishSession(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doPostForm(r, "/register", url.Values{"username": {"bob"}, "password": {"secret-1"}})

	require.Equal(t, http.StatusFound, w.Code)
	for _, c := range w.Result().Cookies() {
		assert.NotEqual(t, middleware.SessionCookieName, c.Name)
	}
}

func TestLoginUnknownUserRedirectsToRegister(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doPostForm(r, "/login", url.Values{"username": {"ghost"}, "password": {"whatever"}})

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/register", w.Header().Get("Location"))
}

func TestLoginWrongPassword(t *testing.T) {
	r, db := setupTestRouter(t)
	seedUser(t, db, "alice", "right-password", models.PrivilegeUser)

	w := doPostForm(r, "/login", url.Values{"username": {"alice"}, "password": {"wrong-password"}})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	// The error never discloses which field was wrong.
	assert.Contains(t, w.Body.String(), "Incorrect password or username")
	for _, c := range w.Result().Cookies() {
		assert.NotEqual(t, middleware.SessionCookieName, c.Name)
	}
}

func TestLoginSuccessEstablishesSession(t *testing.T) {
	r, db := setupTestRouter(t)
	seedUser(t, db, "overlord", "right-password", models.PrivilegeGod)

	w := doPostForm(r, "/login", url.Values{"username": {"overlord"}, "password": {"right-password"}})

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			session = c
		}
	}
	require.NotNil(t, session, "login must set the session cookie")

	claims, err := utils.ParseSessionToken(session.Value)
	require.NoError(t, err)
	assert.Equal(t, "overlord", claims.Username)
	assert.Equal(t, models.PrivilegeGod, claims.Privilege)
}

func TestLogoutRevokesSession(t *testing.T) {
	r, _ := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	// Sanity: the cookie opens the admin view.
	require.Equal(t, http.StatusOK, doGet(r, "/create", god).Code)

	w := doGet(r, "/logout", god)
	require.Equal(t, http.StatusFound, w.Code)

	// The old token is blacklisted; replaying the cookie no longer works.
	assert.Equal(t, http.StatusNotFound, doGet(r, "/create", god).Code)
}

func TestCreateStoresUploadedPhotos(t *testing.T) {
	r, db := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "With Photo"))
	require.NoError(t, mw.WriteField("topic", "general"))
	require.NoError(t, mw.WriteField("markdown", "body"))
	fw, err := mw.CreateFormFile("photos", "../../evil.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not-really-a-png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/create", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(god)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	entries, err := os.ReadDir(uploadsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "the uploaded photo should be stored")
	for _, e := range entries {
		// Regenerated names keep the basename but cannot traverse out of the
		// uploads directory.
		assert.NotContains(t, e.Name(), "..")
		assert.True(t, strings.HasSuffix(e.Name(), "_evil.png"), "got %q", e.Name())
		require.NoError(t, os.Remove(filepath.Join(uploadsDir, e.Name())))
	}
}

func TestDeleteLeavesUploadedPhotosInPlace(t *testing.T) {
	r, db := setupTestRouter(t)
	god := sessionCookie(t, "overlord", models.PrivilegeGod)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Doomed With Photo"))
	require.NoError(t, mw.WriteField("topic", "general"))
	require.NoError(t, mw.WriteField("markdown", "body"))
	fw, err := mw.CreateFormFile("photos", "keepsake.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not-really-a-png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/create", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(god)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)

	var post models.Post
	require.NoError(t, db.First(&post).Error)

	w = doPostForm(r, fmt.Sprintf("/delete/%d", post.PID), url.Values{}, god)
	require.Equal(t, http.StatusFound, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Post{}).Where("pid = ?", post.PID).Count(&count).Error)
	assert.Zero(t, count)

	// Photos are loose attachments with no key back to the post; deleting the
	// post does not cascade to them.
	entries, err := os.ReadDir(uploadsDir)
	require.NoError(t, err)
	var kept bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_keepsake.png") {
			kept = true
			require.NoError(t, os.Remove(filepath.Join(uploadsDir, e.Name())))
		}
	}
	assert.True(t, kept, "the uploaded photo should survive the post delete")
}

func TestNoRouteRendersNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doGet(r, "/definitely/not/a/route")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Page not found")
}
