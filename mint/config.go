package mint

import (
	"log/slog"

	"github.com/nutjar/nutjar/mint/lightning"
)

type Config struct {
	// directory where the quote database lives
	DBPath string

	// "sqlite" or "bolt"
	DBBackend string

	// minutes until issued quotes expire
	QuoteExpiryMins uint

	LightningClient lightning.Client

	// EnableMPP allows melt quote requests with the NUT-15 mpp
	// option. It requires a backend that supports multi-path
	// payments.
	EnableMPP bool

	LogLevel slog.Level
}
