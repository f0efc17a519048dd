package types

import "time"

// Car represents a car listing owned by a single user.
type Car struct {
	// ID is the unique identifier of the car.
	ID int `json:"id" db:"id"`

	// Title is the listing headline.
	Title string `json:"title" db:"title"`

	// Description contains the free-form listing text.
	Description string `json:"description" db:"description"`

	// Tags are free-form labels associated with the listing, used for
	// categorization and keyword search.
	Tags []string `json:"tags" db:"tags"`

	// Images holds the public URLs of the listing's images in the media
	// store, in insertion order of the surviving uploads.
	Images []string `json:"images" db:"images"`

	// OwnerID references the user that created the listing. Ownership is
	// established at creation and never transferred.
	OwnerID int `json:"owner_id" db:"owner_id"`

	// CreatedAt is the timestamp at which the listing was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the listing.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
