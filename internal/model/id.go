package model

import "github.com/oklog/ulid/v2"

// Префиксы идентификаторов
const (
	IDPrefixRevenuePeriod = "rp"
	IDPrefixEarnings      = "ern"
	IDPrefixPayout        = "po"
)

func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}
