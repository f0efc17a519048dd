package services

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/carlot-app/apiserver/internal/events"
	"github.com/carlot-app/apiserver/internal/media"
	"github.com/carlot-app/apiserver/types"
	"golang.org/x/sync/errgroup"
)

// CarRepository defines persistence operations for car listings.
type CarRepository interface {
	ListByOwner(ctx context.Context, ownerID int) ([]types.Car, error)
	Search(ctx context.Context, ownerID int, keyword string) ([]types.Car, error)
	Get(ctx context.Context, ownerID, id int) (types.Car, error)
	Create(ctx context.Context, car types.Car) (types.Car, error)
	Update(ctx context.Context, car types.Car) (types.Car, error)
	Delete(ctx context.Context, ownerID, id int) error
}

// ImageUpload is one image file submitted with a create or update request.
type ImageUpload struct {
	Content     io.Reader
	Size        int64
	ContentType string
}

// CarInput carries the writable listing fields. On update, an empty field
// means "not supplied" and leaves the stored value untouched; there is no
// way to clear a field to empty.
type CarInput struct {
	Title       string
	Description string
	Tags        []string
}

// CarService encapsulates car listing use-cases, coordinating the record
// store with the media store for image lifecycle.
type CarService struct {
	repo   CarRepository
	media  media.Store
	events events.Publisher
	logger *slog.Logger
}

// NewCarService constructs a CarService. publisher may be nil when no
// broker is configured.
func NewCarService(repo CarRepository, mediaStore media.Store, publisher events.Publisher, logger *slog.Logger) *CarService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CarService{
		repo:   repo,
		media:  mediaStore,
		events: publisher,
		logger: logger,
	}
}

// Create uploads the submitted images and persists a new listing owned by
// ownerID. Image URLs keep the submission order. A failed upload aborts the
// whole request; already uploaded objects are not cleaned up.
func (s *CarService) Create(ctx context.Context, ownerID int, input CarInput, images []ImageUpload) (types.Car, error) {
	urls, err := s.uploadAll(ctx, images)
	if err != nil {
		return types.Car{}, err
	}

	car, err := s.repo.Create(ctx, types.Car{
		Title:       input.Title,
		Description: input.Description,
		Tags:        input.Tags,
		Images:      urls,
		OwnerID:     ownerID,
	})
	if err != nil {
		return types.Car{}, err
	}

	s.publish(ctx, events.CarCreated, car)
	return car, nil
}

// List returns all listings owned by ownerID.
func (s *CarService) List(ctx context.Context, ownerID int) ([]types.Car, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Get returns the owner's listing with the given id.
func (s *CarService) Get(ctx context.Context, ownerID, id int) (types.Car, error) {
	return s.repo.Get(ctx, ownerID, id)
}

// Search returns the owner's listings whose title, description, or any tag
// contains keyword case-insensitively.
func (s *CarService) Search(ctx context.Context, ownerID int, keyword string) ([]types.Car, error) {
	return s.repo.Search(ctx, ownerID, keyword)
}

// Update reconciles the listing's image set and overwrites supplied fields.
// Newly uploaded image URLs are appended, then every occurrence of each URL
// in deletedURLs is pruned and its remote object destroyed best-effort: a
// failed destroy is logged and skipped, never aborting the update.
func (s *CarService) Update(ctx context.Context, ownerID, id int, input CarInput, newImages []ImageUpload, deletedURLs []string) (types.Car, error) {
	car, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return types.Car{}, err
	}

	urls, err := s.uploadAll(ctx, newImages)
	if err != nil {
		return types.Car{}, err
	}
	car.Images = append(car.Images, urls...)

	if len(deletedURLs) > 0 {
		car.Images = pruneURLs(car.Images, deletedURLs)
		s.destroyAll(ctx, deletedURLs)
	}

	if input.Title != "" {
		car.Title = input.Title
	}
	if input.Description != "" {
		car.Description = input.Description
	}
	if len(input.Tags) > 0 {
		car.Tags = input.Tags
	}

	updated, err := s.repo.Update(ctx, car)
	if err != nil {
		return types.Car{}, err
	}

	s.publish(ctx, events.CarUpdated, updated)
	return updated, nil
}

// Delete destroys the listing's remote images best-effort, awaits all of
// them, then removes the record regardless of how the destroys fared.
func (s *CarService) Delete(ctx context.Context, ownerID, id int) error {
	car, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}

	s.destroyAll(ctx, car.Images)

	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}

	s.publish(ctx, events.CarDeleted, car)
	return nil
}

// uploadAll sends every image to the media store concurrently. The returned
// URLs keep the input order; the first failed upload fails the batch.
func (s *CarService) uploadAll(ctx context.Context, images []ImageUpload) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}

	urls := make([]string, len(images))
	group, ctx := errgroup.WithContext(ctx)
	for i, image := range images {
		i, image := i, image
		group.Go(func() error {
			url, err := s.media.Upload(ctx, image.Content, image.Size, image.ContentType)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// destroyAll issues one best-effort Destroy per URL concurrently and awaits
// the whole batch. Failures are collected per item and logged, not returned.
func (s *CarService) destroyAll(ctx context.Context, urls []string) {
	var wg sync.WaitGroup
	for _, url := range urls {
		publicID := media.PublicIDFromURL(url)
		if publicID == "" {
			s.logger.WarnContext(ctx, "skipping image with underivable public id", "url", url)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.media.Destroy(ctx, publicID); err != nil {
				s.logger.WarnContext(ctx, "failed to delete remote image", "public_id", publicID, "error", err)
			}
		}()
	}
	wg.Wait()
}

// publish emits a lifecycle event best-effort.
func (s *CarService) publish(ctx context.Context, name string, car types.Car) {
	if s.events == nil {
		return
	}
	event := events.CarEvent{Event: name, CarID: car.ID, OwnerID: car.OwnerID}
	if err := s.events.PublishCarEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish car event", "event", name, "car_id", car.ID, "error", err)
	}
}

// pruneURLs removes every occurrence of each deleted URL, preserving the
// order of the survivors.
func pruneURLs(images, deleted []string) []string {
	drop := make(map[string]struct{}, len(deleted))
	for _, url := range deleted {
		drop[url] = struct{}{}
	}

	kept := images[:0]
	for _, url := range images {
		if _, ok := drop[url]; ok {
			continue
		}
		kept = append(kept, url)
	}
	return kept
}
