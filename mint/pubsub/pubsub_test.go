package pubsub

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishJSON(t *testing.T) {
	pubsub := NewPubSub()
	subscriber := pubsub.Subscribe("quotes")
	defer pubsub.Unsubscribe(subscriber, "quotes")

	type quoteUpdate struct {
		Id    string `json:"id"`
		State string `json:"state"`
	}

	published := quoteUpdate{Id: "quote123", State: "PAID"}
	if err := pubsub.PublishJSON("quotes", published); err != nil {
		t.Fatalf("unexpected error publishing: %v", err)
	}

	select {
	case msg := <-subscriber.GetMessages():
		if msg.Topic() != "quotes" {
			t.Fatalf("expected topic 'quotes' but got '%v'", msg.Topic())
		}
		var received quoteUpdate
		if err := json.Unmarshal(msg.Payload(), &received); err != nil {
			t.Fatalf("could not decode published payload: %v", err)
		}
		if received != published {
			t.Fatalf("expected payload '%+v' but got '%+v'", published, received)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published message")
	}

	// an unencodable value reports the error instead of publishing
	if err := pubsub.PublishJSON("quotes", make(chan int)); err == nil {
		t.Fatal("expected an error publishing an unencodable value")
	}
}
