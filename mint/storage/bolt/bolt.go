// Package bolt is a single-file quote store for mints that do not
// want to pull in sqlite. Quotes are stored json-encoded under their
// id, with index buckets for lookups by payment hash and by invoice.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

const (
	mintQuotesBucket      = "mint_quotes"
	mintQuotesHashBucket  = "mint_quotes_by_hash"
	meltQuotesBucket      = "melt_quotes"
	meltQuotesByReqBucket = "melt_quotes_by_request"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.bolt.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			mintQuotesBucket,
			mintQuotesHashBucket,
			meltQuotesBucket,
			meltQuotesByReqBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltDB{bolt: db}, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	jsonBytes, err := json.Marshal(mintQuote)
	if err != nil {
		return err
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(mintQuotesBucket))
		if err := quotes.Put([]byte(mintQuote.Id), jsonBytes); err != nil {
			return err
		}

		byHash := tx.Bucket([]byte(mintQuotesHashBucket))
		return byHash.Put([]byte(mintQuote.PaymentHash), []byte(mintQuote.Id))
	})
}

func (db *BoltDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote

	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteBytes := tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(quoteId))
		if quoteBytes == nil {
			return storage.ErrQuoteNotFound
		}
		return json.Unmarshal(quoteBytes, &mintQuote)
	})
	if err != nil {
		return storage.MintQuote{}, err
	}

	return mintQuote, nil
}

func (db *BoltDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote

	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteId := tx.Bucket([]byte(mintQuotesHashBucket)).Get([]byte(paymentHash))
		if quoteId == nil {
			return storage.ErrQuoteNotFound
		}

		quoteBytes := tx.Bucket([]byte(mintQuotesBucket)).Get(quoteId)
		if quoteBytes == nil {
			return storage.ErrQuoteNotFound
		}
		return json.Unmarshal(quoteBytes, &mintQuote)
	})
	if err != nil {
		return storage.MintQuote{}, err
	}

	return mintQuote, nil
}

func (db *BoltDB) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(mintQuotesBucket))
		quoteBytes := quotes.Get([]byte(quoteId))
		if quoteBytes == nil {
			return errors.New("mint quote was not updated")
		}

		var mintQuote storage.MintQuote
		if err := json.Unmarshal(quoteBytes, &mintQuote); err != nil {
			return err
		}
		mintQuote.State = state

		updatedBytes, err := json.Marshal(mintQuote)
		if err != nil {
			return err
		}
		return quotes.Put([]byte(quoteId), updatedBytes)
	})
}

func (db *BoltDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	jsonBytes, err := json.Marshal(meltQuote)
	if err != nil {
		return err
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(meltQuotesBucket))
		if err := quotes.Put([]byte(meltQuote.Id), jsonBytes); err != nil {
			return err
		}

		byRequest := tx.Bucket([]byte(meltQuotesByReqBucket))
		return byRequest.Put([]byte(meltQuote.InvoiceRequest), []byte(meltQuote.Id))
	})
}

func (db *BoltDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote

	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteBytes := tx.Bucket([]byte(meltQuotesBucket)).Get([]byte(quoteId))
		if quoteBytes == nil {
			return storage.ErrQuoteNotFound
		}
		return json.Unmarshal(quoteBytes, &meltQuote)
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}

	return meltQuote, nil
}

func (db *BoltDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote

	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteId := tx.Bucket([]byte(meltQuotesByReqBucket)).Get([]byte(request))
		if quoteId == nil {
			return storage.ErrQuoteNotFound
		}

		quoteBytes := tx.Bucket([]byte(meltQuotesBucket)).Get(quoteId)
		if quoteBytes == nil {
			return storage.ErrQuoteNotFound
		}
		return json.Unmarshal(quoteBytes, &meltQuote)
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}

	return meltQuote, nil
}

func (db *BoltDB) UpdateMeltQuote(quoteId, preimage string, state nut05.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(meltQuotesBucket))
		quoteBytes := quotes.Get([]byte(quoteId))
		if quoteBytes == nil {
			return errors.New("melt quote was not updated")
		}

		var meltQuote storage.MeltQuote
		if err := json.Unmarshal(quoteBytes, &meltQuote); err != nil {
			return err
		}
		meltQuote.State = state
		meltQuote.Preimage = preimage

		updatedBytes, err := json.Marshal(meltQuote)
		if err != nil {
			return err
		}
		return quotes.Put([]byte(quoteId), updatedBytes)
	})
}
