package common

import (
	"os"

	"github.com/google/uuid"
)

// NewFetcherID generates a fetcher identity of the form <hostname>-<uuid prefix>
func NewFetcherID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fetcher"
	}
	return host + "-" + uuid.New().String()[:8]
}
