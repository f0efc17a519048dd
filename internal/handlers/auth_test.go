package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carlot-app/apiserver/internal/services"
	"github.com/carlot-app/apiserver/internal/store"
	"github.com/carlot-app/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

type fakeUserRepo struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]types.User
	byName map[string]types.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:   make(map[int]types.User),
		byName: make(map[string]types.User),
	}
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) GetByUsername(ctx context.Context, username string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byName[username]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[user.Username]; exists {
		// Mirrors the unique constraint on usernames.
		return types.User{}, errors.New("duplicate key value violates unique constraint")
	}
	r.nextID++
	user.ID = r.nextID
	r.byID[user.ID] = user
	r.byName[user.Username] = user
	return user, nil
}

func newAuthRouter(repo *fakeUserRepo) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/api/auth", func(r chi.Router) {
		AuthRouter(r, services.NewUserService(repo), testSecret)
	})
	return router
}

func postJSON(t *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterReturnsTokenForNewUser(t *testing.T) {
	router := newAuthRouter(newFakeUserRepo())

	rec := postJSON(t, router, "/api/auth/register", CredentialsRequest{
		Username: "alice",
		Password: "hunter22",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp AuthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("missing token")
	}

	// The token subject must identify the newly created user.
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(resp.Token, &claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "1" {
		t.Fatalf("token subject = %q, want %q", claims.Subject, "1")
	}
}

func TestRegisterDuplicateUsernameIsGenericFailure(t *testing.T) {
	router := newAuthRouter(newFakeUserRepo())

	creds := CredentialsRequest{Username: "bob", Password: "pw123456"}
	if rec := postJSON(t, router, "/api/auth/register", creds); rec.Code != http.StatusOK {
		t.Fatalf("first register status = %d", rec.Code)
	}

	rec := postJSON(t, router, "/api/auth/register", creds)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("duplicate register status = %d, want 500", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	router := newAuthRouter(newFakeUserRepo())

	creds := CredentialsRequest{Username: "carol", Password: "pw123456"}
	if rec := postJSON(t, router, "/api/auth/register", creds); rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}

	rec := postJSON(t, router, "/api/auth/login", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp AuthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("missing token")
	}

	rec = postJSON(t, router, "/api/auth/login", CredentialsRequest{Username: "carol", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}

	rec = postJSON(t, router, "/api/auth/login", CredentialsRequest{Username: "nobody", Password: "pw123456"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d, want 401", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	router := chi.NewRouter()
	router.With(RequireAuth(testSecret)).Get("/protected", func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromContext(r.Context())
		if err != nil {
			t.Fatalf("subject not injected: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]int{"user_id": userID})
	})

	request := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := request(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", rec.Code)
	}
	if rec := request("Bearer not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed token status = %d, want 401", rec.Code)
	}
	if rec := request("Basic abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme status = %d, want 401", rec.Code)
	}

	expired, err := issueToken(1, []byte(testSecret), -time.Hour)
	if err != nil {
		t.Fatalf("issue expired token: %v", err)
	}
	if rec := request("Bearer " + expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d, want 401", rec.Code)
	}

	badKey, err := issueToken(1, []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if rec := request("Bearer " + badKey); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", rec.Code)
	}

	valid, err := issueToken(42, []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec := request("Bearer " + valid)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "42") {
		t.Fatalf("subject not propagated: %s", rec.Body.String())
	}
}
