package datastore

import (
	"encoding/hex"

	"github.com/gofrs/uuid"
)

// Uid returns a fresh upload id: a random (version 4) UUID, hex encoded, no
// dashes.
// Front ends that derive ids themselves never call this.
func Uid() string {
	id, err := uuid.NewV4()
	if err != nil {
		// rand.Reader failing means the process has no entropy source left
		panic(err)
	}
	return hex.EncodeToString(id.Bytes())
}
