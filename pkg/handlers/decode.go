package handlers

import (
	"encoding/json"

	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
)

// decodeJSON unmarshals raw into T, wrapping any error as a fatal
// taskerr.Validation error per spec.md §4.4's "invalid payloads are fatal,
// no retry" rule.
func decodeJSON[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, taskerr.Validationf("decode payload: %w", err)
	}
	return &v, nil
}
