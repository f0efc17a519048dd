package handlers

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/carlot-app/apiserver/internal/services"
	"github.com/carlot-app/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	maxMultipartMemory = 32 << 20
	maxImagesPerCar    = 10

	formFieldTitle       = "title"
	formFieldDesc        = "description"
	formFieldTags        = "tags"
	formFieldImages      = "images"
	formFieldDeletedCars = "deletedCars"
)

// CarHandler provides HTTP handlers for car listings.
type CarHandler struct {
	carService *services.CarService
}

// NewCarHandler constructs a handler with the provided service.
func NewCarHandler(carService *services.CarService) *CarHandler {
	return &CarHandler{carService: carService}
}

// CarRouter registers car routes on the given router. Every route requires
// authentication.
func CarRouter(r chi.Router, carService *services.CarService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewCarHandler(carService)

	r.Use(authMiddleware)
	r.Post("/", handler.CreateCar)
	r.Get("/", handler.ListCars)
	r.Get("/search", handler.SearchCars)
	r.Route("/{carID}", func(r chi.Router) {
		r.Get("/", handler.GetCar)
		r.Put("/", handler.UpdateCar)
		r.Delete("/", handler.DeleteCar)
	})
}

func (h *CarHandler) CreateCar(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, err := parseCarForm(r, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create car")
		return
	}

	images, closeImages, err := openImages(req.Images)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create car")
		return
	}
	defer closeImages()

	created, err := h.carService.Create(r.Context(), ownerID, req.Input, images)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create car")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *CarHandler) ListCars(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cars, err := h.carService.List(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch cars")
		return
	}

	writeJSON(w, http.StatusOK, cars)
}

func (h *CarHandler) SearchCars(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))

	cars, err := h.carService.Search(r.Context(), ownerID, keyword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to search cars")
		return
	}

	writeJSON(w, http.StatusOK, cars)
}

func (h *CarHandler) GetCar(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := parseCarID(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "car not found")
		return
	}

	car, err := h.carService.Get(r.Context(), ownerID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "car not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch car")
		return
	}

	writeJSON(w, http.StatusOK, car)
}

func (h *CarHandler) UpdateCar(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := parseCarID(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "car not found")
		return
	}

	req, err := parseCarForm(r, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update car")
		return
	}

	images, closeImages, err := openImages(req.Images)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update car")
		return
	}
	defer closeImages()

	updated, err := h.carService.Update(r.Context(), ownerID, id, req.Input, images, req.DeletedImageURLs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "car not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update car")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *CarHandler) DeleteCar(w http.ResponseWriter, r *http.Request) {
	ownerID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := parseCarID(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "car not found")
		return
	}

	if err := h.carService.Delete(r.Context(), ownerID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "car not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete car and images")
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Car and associated images deleted successfully"})
}

// CarUpsertRequest represents the parsed multipart form payload.
type CarUpsertRequest struct {
	Input            services.CarInput
	Images           []*multipart.FileHeader
	DeletedImageURLs []string
}

// MessageResponse is a simple confirmation payload.
type MessageResponse struct {
	Message string `json:"message"`
}

func parseCarID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "carID")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return 0, errors.New("invalid car id")
	}
	return id, nil
}

func parseCarForm(r *http.Request, requireTitle bool) (CarUpsertRequest, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return CarUpsertRequest{}, errors.New("invalid multipart form")
	}

	title := strings.TrimSpace(r.FormValue(formFieldTitle))
	if requireTitle && title == "" {
		return CarUpsertRequest{}, errors.New("title is required")
	}

	description := strings.TrimSpace(r.FormValue(formFieldDesc))
	tags := parseTags(r.FormValue(formFieldTags))

	var deletedURLs []string
	if raw := strings.TrimSpace(r.FormValue(formFieldDeletedCars)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &deletedURLs); err != nil {
			return CarUpsertRequest{}, errors.New("invalid deletedCars payload")
		}
	}

	var images []*multipart.FileHeader
	if r.MultipartForm != nil {
		images = r.MultipartForm.File[formFieldImages]
	}
	if len(images) > maxImagesPerCar {
		return CarUpsertRequest{}, errors.New("too many images")
	}

	return CarUpsertRequest{
		Input: services.CarInput{
			Title:       title,
			Description: description,
			Tags:        tags,
		},
		Images:           images,
		DeletedImageURLs: deletedURLs,
	}, nil
}

func parseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		tag := strings.TrimSpace(part)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// openImages opens every uploaded file and adapts it for the car service.
// The returned closer releases all opened files.
func openImages(headers []*multipart.FileHeader) ([]services.ImageUpload, func(), error) {
	opened := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, file := range opened {
			_ = file.Close()
		}
	}

	uploads := make([]services.ImageUpload, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, file)
		uploads = append(uploads, services.ImageUpload{
			Content:     file,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
		})
	}
	return uploads, closeAll, nil
}
