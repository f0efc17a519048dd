package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
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
)

type memCarRepo struct {
	mu     sync.Mutex
	nextID int
	cars   map[int]types.Car
}

func newMemCarRepo() *memCarRepo {
	return &memCarRepo{cars: make(map[int]types.Car)}
}

func (r *memCarRepo) ListByOwner(ctx context.Context, ownerID int) ([]types.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Car, 0)
	for _, car := range r.cars {
		if car.OwnerID == ownerID {
			out = append(out, car)
		}
	}
	return out, nil
}

func (r *memCarRepo) Search(ctx context.Context, ownerID int, keyword string) ([]types.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lower := strings.ToLower(keyword)
	out := make([]types.Car, 0)
	for _, car := range r.cars {
		if car.OwnerID == ownerID && strings.Contains(strings.ToLower(car.Title), lower) {
			out = append(out, car)
		}
	}
	return out, nil
}

func (r *memCarRepo) Get(ctx context.Context, ownerID, id int) (types.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	car, ok := r.cars[id]
	if !ok || car.OwnerID != ownerID {
		return types.Car{}, store.ErrNotFound
	}
	car.Images = append([]string(nil), car.Images...)
	car.Tags = append([]string(nil), car.Tags...)
	return car, nil
}

func (r *memCarRepo) Create(ctx context.Context, car types.Car) (types.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	car.ID = r.nextID
	r.cars[car.ID] = car
	return car, nil
}

func (r *memCarRepo) Update(ctx context.Context, car types.Car) (types.Car, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.cars[car.ID]
	if !ok || existing.OwnerID != car.OwnerID {
		return types.Car{}, store.ErrNotFound
	}
	r.cars[car.ID] = car
	return car, nil
}

func (r *memCarRepo) Delete(ctx context.Context, ownerID, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	car, ok := r.cars[id]
	if !ok || car.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(r.cars, id)
	return nil
}

type memMedia struct {
	mu        sync.Mutex
	uploads   int
	destroyed []string
}

func (m *memMedia) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	return fmt.Sprintf("https://media.test/carlot-media/cars/img%d", m.uploads), nil
}

func (m *memMedia) Destroy(ctx context.Context, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, publicID)
	return nil
}

func newCarRouter(repo *memCarRepo, media *memMedia) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	carService := services.NewCarService(repo, media, nil, logger)

	router := chi.NewRouter()
	router.Route("/api/cars", func(r chi.Router) {
		CarRouter(r, carService, RequireAuth(testSecret))
	})
	return router
}

func authHeaderFor(t *testing.T, userID int) string {
	t.Helper()
	token, err := issueToken(userID, []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

type carForm struct {
	fields map[string]string
	images []string
}

func multipartRequest(t *testing.T, method, path string, form carForm) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range form.fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for i, content := range form.images {
		part, err := writer.CreateFormFile(formFieldImages, fmt.Sprintf("img%d.jpg", i))
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeCar(t *testing.T, rec *httptest.ResponseRecorder) types.Car {
	t.Helper()
	var car types.Car
	if err := json.NewDecoder(rec.Body).Decode(&car); err != nil {
		t.Fatalf("decode car: %v", err)
	}
	return car
}

func TestCarRoutesRequireAuth(t *testing.T) {
	router := newCarRouter(newMemCarRepo(), &memMedia{})

	req := httptest.NewRequest(http.MethodGet, "/api/cars", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateCar(t *testing.T) {
	router := newCarRouter(newMemCarRepo(), &memMedia{})

	req := multipartRequest(t, http.MethodPost, "/api/cars", carForm{
		fields: map[string]string{
			formFieldTitle: "Sedan X",
			formFieldDesc:  "low mileage",
			formFieldTags:  "sedan, family",
		},
		images: []string{"aaa", "bbb"},
	})
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	car := decodeCar(t, rec)
	if car.Title != "Sedan X" || car.OwnerID != 1 {
		t.Fatalf("unexpected car: %+v", car)
	}
	if len(car.Images) != 2 {
		t.Fatalf("images = %v, want 2 uploads", car.Images)
	}
	if len(car.Tags) != 2 || car.Tags[0] != "sedan" || car.Tags[1] != "family" {
		t.Fatalf("tags = %v", car.Tags)
	}
}

func TestCreateCarRejectsTooManyImages(t *testing.T) {
	router := newCarRouter(newMemCarRepo(), &memMedia{})

	images := make([]string, maxImagesPerCar+1)
	for i := range images {
		images[i] = "x"
	}
	req := multipartRequest(t, http.MethodPost, "/api/cars", carForm{
		fields: map[string]string{formFieldTitle: "t"},
		images: images,
	})
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGetCarNotFound(t *testing.T) {
	router := newCarRouter(newMemCarRepo(), &memMedia{})

	for _, path := range []string{"/api/cars/99", "/api/cars/not-a-number"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", authHeaderFor(t, 1))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestGetCarHidesOtherOwners(t *testing.T) {
	repo := newMemCarRepo()
	router := newCarRouter(repo, &memMedia{})

	seed, err := repo.Create(context.Background(), types.Car{Title: "mine", OwnerID: 1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/cars/%d", seed.ID), nil)
	req.Header.Set("Authorization", authHeaderFor(t, 2))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for non-owner", rec.Code)
	}
}

func TestUpdateCarDeletesImages(t *testing.T) {
	repo := newMemCarRepo()
	media := &memMedia{}
	router := newCarRouter(repo, media)

	gone := "https://media.test/carlot-media/cars/gone"
	kept := "https://media.test/carlot-media/cars/kept"
	seed, err := repo.Create(context.Background(), types.Car{
		Title:   "old",
		Images:  []string{gone, kept},
		OwnerID: 1,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	deleted, err := json.Marshal([]string{gone})
	if err != nil {
		t.Fatalf("marshal deletedCars: %v", err)
	}
	req := multipartRequest(t, http.MethodPut, fmt.Sprintf("/api/cars/%d", seed.ID), carForm{
		fields: map[string]string{
			formFieldTitle:       "new title",
			formFieldDeletedCars: string(deleted),
		},
	})
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	car := decodeCar(t, rec)
	if car.Title != "new title" {
		t.Fatalf("title = %q", car.Title)
	}
	if len(car.Images) != 1 || car.Images[0] != kept {
		t.Fatalf("images = %v, want only %q", car.Images, kept)
	}
	if len(media.destroyed) != 1 || media.destroyed[0] != "cars/gone" {
		t.Fatalf("destroyed = %v, want [cars/gone]", media.destroyed)
	}
}

func TestUpdateCarNotFound(t *testing.T) {
	router := newCarRouter(newMemCarRepo(), &memMedia{})

	req := multipartRequest(t, http.MethodPut, "/api/cars/5", carForm{
		fields: map[string]string{formFieldTitle: "t"},
	})
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteCar(t *testing.T) {
	repo := newMemCarRepo()
	media := &memMedia{}
	router := newCarRouter(repo, media)

	seed, err := repo.Create(context.Background(), types.Car{
		Title:   "t",
		Images:  []string{"https://media.test/carlot-media/cars/a", "https://media.test/carlot-media/cars/b"},
		OwnerID: 1,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	path := fmt.Sprintf("/api/cars/%d", seed.ID)

	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp MessageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == "" {
		t.Fatal("missing confirmation message")
	}
	if len(media.destroyed) != 2 {
		t.Fatalf("destroyed = %v, want 2 entries", media.destroyed)
	}

	// Deleting again must be a clean 404, not a crash.
	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestSearchCars(t *testing.T) {
	repo := newMemCarRepo()
	router := newCarRouter(repo, &memMedia{})

	for _, car := range []types.Car{
		{Title: "Sedan X", OwnerID: 1},
		{Title: "Truck", OwnerID: 1},
		{Title: "Sedan Y", OwnerID: 2},
	} {
		if _, err := repo.Create(context.Background(), car); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/cars/search?keyword=sedan", nil)
	req.Header.Set("Authorization", authHeaderFor(t, 1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var cars []types.Car
	if err := json.NewDecoder(rec.Body).Decode(&cars); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(cars) != 1 || cars[0].Title != "Sedan X" {
		t.Fatalf("unexpected results: %+v", cars)
	}
}
