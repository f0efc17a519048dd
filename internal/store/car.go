package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/carlot-app/apiserver/types"
)

// CarRepository handles persistence for car listings.
type CarRepository struct {
	db *sql.DB
}

func NewCarRepository(db *sql.DB) *CarRepository {
	return &CarRepository{db: db}
}

func (r *CarRepository) ListByOwner(ctx context.Context, ownerID int) ([]types.Car, error) {
	const query = `
		SELECT id, title, description, tags, images, owner_id, created_at, updated_at
		FROM cars
		WHERE owner_id = $1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCars(rows)
}

// Search returns the owner's cars whose title, description, or any tag
// contains keyword as a case-insensitive substring.
func (r *CarRepository) Search(ctx context.Context, ownerID int, keyword string) ([]types.Car, error) {
	pattern := "%" + escapeLike(keyword) + "%"

	const query = `
		SELECT id, title, description, tags, images, owner_id, created_at, updated_at
		FROM cars
		WHERE owner_id = $1
		  AND (title ILIKE $2
			OR description ILIKE $2
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(tags) AS tag
				WHERE tag ILIKE $2
			))
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, ownerID, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCars(rows)
}

func (r *CarRepository) Get(ctx context.Context, ownerID, id int) (types.Car, error) {
	const query = `
		SELECT id, title, description, tags, images, owner_id, created_at, updated_at
		FROM cars
		WHERE id = $1 AND owner_id = $2`
	var car types.Car
	var tagsJSON, imagesJSON []byte
	err := r.db.QueryRowContext(ctx, query, id, ownerID).Scan(
		&car.ID,
		&car.Title,
		&car.Description,
		&tagsJSON,
		&imagesJSON,
		&car.OwnerID,
		&car.CreatedAt,
		&car.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Car{}, ErrNotFound
		}
		return types.Car{}, err
	}

	_ = json.Unmarshal(tagsJSON, &car.Tags)
	_ = json.Unmarshal(imagesJSON, &car.Images)
	return ensureJSONBArrays(car), nil
}

func (r *CarRepository) Create(ctx context.Context, car types.Car) (types.Car, error) {
	now := time.Now()
	car.CreatedAt = now
	car.UpdatedAt = now
	car = ensureJSONBArrays(car)

	tagsJSON, err := json.Marshal(car.Tags)
	if err != nil {
		return types.Car{}, err
	}
	imagesJSON, err := json.Marshal(car.Images)
	if err != nil {
		return types.Car{}, err
	}

	const query = `
		INSERT INTO cars (title, description, tags, images, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		car.Title,
		car.Description,
		tagsJSON,
		imagesJSON,
		car.OwnerID,
		car.CreatedAt,
		car.UpdatedAt,
	).Scan(&car.ID); err != nil {
		return types.Car{}, err
	}

	return car, nil
}

func (r *CarRepository) Update(ctx context.Context, car types.Car) (types.Car, error) {
	car.UpdatedAt = time.Now()
	car = ensureJSONBArrays(car)

	tagsJSON, err := json.Marshal(car.Tags)
	if err != nil {
		return types.Car{}, err
	}
	imagesJSON, err := json.Marshal(car.Images)
	if err != nil {
		return types.Car{}, err
	}

	const query = `
		UPDATE cars
		SET title = $1,
			description = $2,
			tags = $3,
			images = $4,
			updated_at = $5
		WHERE id = $6 AND owner_id = $7`
	result, err := r.db.ExecContext(
		ctx,
		query,
		car.Title,
		car.Description,
		tagsJSON,
		imagesJSON,
		car.UpdatedAt,
		car.ID,
		car.OwnerID,
	)
	if err != nil {
		return types.Car{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Car{}, err
	}
	if affected == 0 {
		return types.Car{}, ErrNotFound
	}

	return car, nil
}

func (r *CarRepository) Delete(ctx context.Context, ownerID, id int) error {
	const query = `DELETE FROM cars WHERE id = $1 AND owner_id = $2`
	result, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCars(rows *sql.Rows) ([]types.Car, error) {
	cars := make([]types.Car, 0)
	for rows.Next() {
		var car types.Car
		var tagsJSON, imagesJSON []byte
		if err := rows.Scan(
			&car.ID,
			&car.Title,
			&car.Description,
			&tagsJSON,
			&imagesJSON,
			&car.OwnerID,
			&car.CreatedAt,
			&car.UpdatedAt,
		); err != nil {
			return nil, err
		}

		_ = json.Unmarshal(tagsJSON, &car.Tags)
		_ = json.Unmarshal(imagesJSON, &car.Images)
		cars = append(cars, ensureJSONBArrays(car))
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cars, nil
}

// ensureJSONBArrays replaces nil slices with empty ones so the jsonb
// columns always hold arrays. Marshaling a nil slice stores the scalar
// null, which jsonb_array_elements_text in Search cannot unpack, and
// leaks "tags": null / "images": null into responses.
func ensureJSONBArrays(car types.Car) types.Car {
	if car.Tags == nil {
		car.Tags = []string{}
	}
	if car.Images == nil {
		car.Images = []string{}
	}
	return car
}

// escapeLike neutralizes LIKE metacharacters so the keyword matches as a
// literal substring.
func escapeLike(keyword string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(keyword)
}
