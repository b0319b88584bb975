package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptsBucket    = "receipts"
	imageHashBucket   = "receipt_image_hashes"
	venueConfigBucket = "venue_configs"
	merchantBucket    = "merchants"
	offerBucket       = "offers"
	cardBucket        = "cards"
	globalVenueKey    = "__global__"
)

// DB defines the interface for database operations
type DB interface {
	// CreateReceipt stores a new receipt. It returns ErrDuplicateReceipt when
	// another receipt already has the same image hash.
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns one page of receipts matching the filter
	ListReceipts(ctx context.Context, filter ReceiptFilter) (*ReceiptPage, error)

	// UpdateReceiptFunc loads a receipt, lets fn change it and stores the
	// result in one write transaction. An error from fn aborts the update and
	// is returned as is. The ID and image hash cannot change.
	UpdateReceiptFunc(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error)

	// DeleteReceipt removes a receipt and frees its image hash
	DeleteReceipt(ctx context.Context, id string) error

	// FindByImageHash returns the receipt submitted with the given image hash
	FindByImageHash(ctx context.Context, hash string) (*Receipt, error)

	// CountSubmissionsSince counts a user's receipts created at or after since
	CountSubmissionsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// GetVenueConfig returns the venue's policy, falling back to the global
	// policy stored under the empty venue ID
	GetVenueConfig(ctx context.Context, venueID string) (*VenueConfig, error)
	SaveVenueConfig(ctx context.Context, config *VenueConfig) error

	GetMerchant(ctx context.Context, name string) (*Merchant, error)
	SaveMerchant(ctx context.Context, merchant *Merchant) error

	GetOffer(ctx context.Context, id string) (*Offer, error)
	SaveOffer(ctx context.Context, offer *Offer) error

	GetCard(ctx context.Context, userID string) (*Card, error)
	SaveCard(ctx context.Context, card *Card) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, imageHashBucket, venueConfigBucket, merchantBucket, offerBucket, cardBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func putJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func getJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// CreateReceipt saves a receipt and claims its image hash in the same
// write transaction
func (b *BoltDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		hashes := tx.Bucket([]byte(imageHashBucket))
		if existing := hashes.Get([]byte(receipt.ImageHash)); existing != nil {
			return fmt.Errorf("%w: image already submitted as receipt %s", ErrDuplicateReceipt, existing)
		}
		if tx.Bucket([]byte(receiptsBucket)).Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}
		if err := hashes.Put([]byte(receipt.ImageHash), []byte(receipt.ID)); err != nil {
			return err
		}
		return putJSON(tx, receiptsBucket, receipt.ID, receipt)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, receiptsBucket, id, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (b *BoltDB) allReceipts(tx *bbolt.Tx) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
		var receipt Receipt
		if err := json.Unmarshal(v, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		receipts = append(receipts, &receipt)
		return nil
	})
	return receipts, err
}

// ListReceipts returns one page of receipts matching the filter
func (b *BoltDB) ListReceipts(ctx context.Context, filter ReceiptFilter) (*ReceiptPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var page *ReceiptPage
	err := b.db.View(func(tx *bbolt.Tx) error {
		receipts, err := b.allReceipts(tx)
		if err != nil {
			return err
		}
		page = applyFilter(receipts, filter)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UpdateReceiptFunc reads, changes and writes a receipt inside one bolt
// write transaction, so concurrent updates of the same receipt serialize
func (b *BoltDB) UpdateReceiptFunc(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var receipt Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := getJSON(tx, receiptsBucket, id, &receipt); err != nil {
			return err
		}
		hash := receipt.ImageHash
		if err := fn(&receipt); err != nil {
			return err
		}
		if receipt.ID != id || receipt.ImageHash != hash {
			return fmt.Errorf("%w: receipt ID and image hash are immutable", ErrValidation)
		}
		return putJSON(tx, receiptsBucket, id, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		var existing Receipt
		if err := getJSON(tx, receiptsBucket, id, &existing); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(imageHashBucket)).Delete([]byte(existing.ImageHash)); err != nil {
			return err
		}
		return tx.Bucket([]byte(receiptsBucket)).Delete([]byte(id))
	})
}

// FindByImageHash looks a receipt up through the hash index
func (b *BoltDB) FindByImageHash(ctx context.Context, hash string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(imageHashBucket)).Get([]byte(hash))
		if id == nil {
			return fmt.Errorf("image hash %s: %w", hash, ErrNotFound)
		}
		return getJSON(tx, receiptsBucket, string(id), &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// CountSubmissionsSince counts a user's receipts created at or after since
func (b *BoltDB) CountSubmissionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		receipts, err := b.allReceipts(tx)
		if err != nil {
			return err
		}
		for _, r := range receipts {
			if r.UserID == userID && !r.CreatedAt.Before(since) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func venueConfigKey(venueID string) string {
	if venueID == "" {
		return globalVenueKey
	}
	return venueID
}

// GetVenueConfig returns the venue's policy or the global one
func (b *BoltDB) GetVenueConfig(ctx context.Context, venueID string) (*VenueConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var config VenueConfig
	err := b.db.View(func(tx *bbolt.Tx) error {
		if venueID != "" {
			err := getJSON(tx, venueConfigBucket, venueConfigKey(venueID), &config)
			if err == nil || !isNotFound(err) {
				return err
			}
		}
		return getJSON(tx, venueConfigBucket, globalVenueKey, &config)
	})
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveVenueConfig upserts a venue's policy
func (b *BoltDB) SaveVenueConfig(ctx context.Context, config *VenueConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, venueConfigBucket, venueConfigKey(config.VenueID), config)
	})
}

// GetMerchant looks a merchant up by name
func (b *BoltDB) GetMerchant(ctx context.Context, name string) (*Merchant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var merchant Merchant
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, merchantBucket, merchantKey(name), &merchant)
	})
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// SaveMerchant upserts a merchant
func (b *BoltDB) SaveMerchant(ctx context.Context, merchant *Merchant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, merchantBucket, merchantKey(merchant.Name), merchant)
	})
}

// GetOffer retrieves an offer by ID
func (b *BoltDB) GetOffer(ctx context.Context, id string) (*Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var offer Offer
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, offerBucket, id, &offer)
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// SaveOffer upserts an offer
func (b *BoltDB) SaveOffer(ctx context.Context, offer *Offer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, offerBucket, offer.ID, offer)
	})
}

// GetCard returns a user's card
func (b *BoltDB) GetCard(ctx context.Context, userID string) (*Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var card Card
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, cardBucket, userID, &card)
	})
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// SaveCard upserts a user's card
func (b *BoltDB) SaveCard(ctx context.Context, card *Card) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, cardBucket, card.UserID, card)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
