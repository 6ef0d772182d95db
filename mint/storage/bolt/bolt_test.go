package bolt

import (
	"errors"
	"log"
	"math/rand"
	"os"
	"reflect"
	"testing"

	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

var (
	db *BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testbolt"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}

	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestMintQuotes(t *testing.T) {
	expectedQuote := storage.MintQuote{
		Id:             generateRandomString(32),
		Amount:         21,
		Unit:           "sat",
		PaymentRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		State:          nut04.Unpaid,
	}

	if err := db.SaveMintQuote(expectedQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	quote, err := db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	quote, err = db.GetMintQuoteByPaymentHash(expectedQuote.PaymentHash)
	if err != nil {
		t.Fatalf("error getting mint quote by payment hash: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if err := db.UpdateMintQuoteState(quote.Id, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote: %v", err)
	}

	expectedQuote.State = nut04.Paid
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if _, err := db.GetMintQuote("nonexistent"); !errors.Is(err, storage.ErrQuoteNotFound) {
		t.Fatalf("expected quote not found error but got: %v", err)
	}
}

func TestMeltQuotes(t *testing.T) {
	expectedQuote := storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         21,
		Unit:           "sat",
		FeeReserve:     1,
		State:          nut05.Unpaid,
		AmountMsat:     21000,
	}

	if err := db.SaveMeltQuote(expectedQuote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	quote, err := db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	quote, err = db.GetMeltQuoteByPaymentRequest(expectedQuote.InvoiceRequest)
	if err != nil {
		t.Fatalf("error getting melt quote by payment request: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if err := db.UpdateMeltQuote(quote.Id, "fakepreimage", nut05.Paid); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}

	expectedQuote.State = nut05.Paid
	expectedQuote.Preimage = "fakepreimage"
	quote, err = db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if _, err := db.GetMeltQuote("nonexistent"); !errors.Is(err, storage.ErrQuoteNotFound) {
		t.Fatalf("expected quote not found error but got: %v", err)
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
