package util

import (
	"log"

	"github.com/google/uuid"
)

// IDFunc produces identifiers for new rows.
type IDFunc func() uuid.UUID

func GenerateUUID() uuid.UUID {
	newUUID, err := uuid.NewRandom()
	if err != nil {
		log.Fatalf("Failed to generate UUID: %v", err)
	}
	return newUUID
}
