package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

type fakeRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.UserID] = user
	return nil
}

func (f *fakeRepo) UpdateLastSeen(context.Context, string, time.Time) error { return nil }
func (f *fakeRepo) AppendMessage(context.Context, domain.ConversationKey, domain.Message) error {
	return nil
}
func (f *fakeRepo) GetMessages(context.Context, domain.ConversationKey) ([]domain.Message, error) {
	return nil, nil
}
func (f *fakeRepo) ReserveRagIDs(context.Context, domain.ConversationKey, int) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) ReserveWebIDs(context.Context, domain.ConversationKey, int) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) GetMessageSources(context.Context, domain.ConversationKey, string) (*domain.EmbeddedSources, error) {
	return nil, nil
}
func (f *fakeRepo) ClearConversation(context.Context, domain.ConversationKey) error { return nil }
func (f *fakeRepo) Ping(context.Context) error                                      { return nil }
func (f *fakeRepo) Close() error                                                    { return nil }

func TestMiddlewareCreatesAnonymousIdentity(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	var gotUserID, gotCourseID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotCourseID = CourseIDFromContext(r.Context())
	})

	handler := Middleware(repo, true)(next)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(gotUserID) {
		t.Errorf("Expected generated anon id, got %q", gotUserID)
	}
	if gotCourseID != DefaultCourseIDValue {
		t.Errorf("Expected default course, got %q", gotCourseID)
	}

	// The user record was created.
	if repo.users[gotUserID] == nil {
		t.Error("Expected user to be persisted")
	}

	// And the cookie was set.
	cookies := w.Result().Cookies()
	found := false
	for _, c := range cookies {
		if c.Name == AnonCookieName && c.Value == gotUserID {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected anon cookie set, got %v", cookies)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	existing := "anon_00000000000000000000000000000001"

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	Middleware(repo, true)(next).ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID != existing {
		t.Errorf("Expected cookie identity reused, got %q", gotUserID)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin'; DROP TABLE users;--"})
	Middleware(repo, true)(next).ServeHTTP(httptest.NewRecorder(), req)

	if !isValidAnonID(gotUserID) {
		t.Errorf("Expected forged cookie replaced with fresh id, got %q", gotUserID)
	}
}

func TestCourseIDFromHeaderAndQuery(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CourseHeaderName, "cs101")
	if got := courseIDFromRequest(req); got != "cs101" {
		t.Errorf("Expected header course id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?course_id=cs102", nil)
	if got := courseIDFromRequest(req); got != "cs102" {
		t.Errorf("Expected query course id, got %q", got)
	}

	// Header wins over query.
	req = httptest.NewRequest(http.MethodGet, "/?course_id=cs102", nil)
	req.Header.Set(CourseHeaderName, "cs101")
	if got := courseIDFromRequest(req); got != "cs101" {
		t.Errorf("Expected header precedence, got %q", got)
	}
}

func TestSanitizeCourseID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"cs101":          "cs101",
		"  cs101  ":      "cs101",
		"":               DefaultCourseIDValue,
		"../../etc":      DefaultCourseIDValue,
		"has spaces":     DefaultCourseIDValue,
		"course:2026.v1": "course:2026.v1",
	}
	for in, want := range cases {
		if got := sanitizeCourseID(in); got != want {
			t.Errorf("sanitizeCourseID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConversationKeyFromContext(t *testing.T) {
	t.Parallel()

	ctx := context.WithValue(context.Background(), userIDKey, "anon_x")
	ctx = context.WithValue(ctx, courseIDKey, "cs101")

	key := ConversationKeyFromContext(ctx)
	if key.UserID != "anon_x" || key.CourseID != "cs101" {
		t.Errorf("Unexpected key %+v", key)
	}
}

func TestDeriveUsername(t *testing.T) {
	t.Parallel()

	id := "anon_0123456789abcdef0123456789abcdef"
	if got := deriveUsername(id); got != "anon-89abcdef" {
		t.Errorf("Expected anon-89abcdef, got %q", got)
	}
	if got := deriveUsername("short"); got != "anon-user" {
		t.Errorf("Expected anon-user fallback, got %q", got)
	}
}
