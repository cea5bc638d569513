package skicka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressString(t *testing.T) {
	assert.Equal(t, "user@example.com", AddressOf("user@example.com").String())
	assert.Equal(t, `"Jane Doe" <jane@example.com>`,
		Address{Name: "Jane Doe", Email: "jane@example.com"}.String())
}

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindProviderUnavailable, cause, "provider could not send")

	assert.Equal(t, KindProviderUnavailable, KindOf(err))
	assert.True(t, IsKind(err, KindProviderUnavailable))
	assert.ErrorIs(t, err, cause)

	// another layer of wrapping keeps the kind reachable
	outer := fmt.Errorf("dispatch failed, %w", err)
	assert.Equal(t, KindProviderUnavailable, KindOf(outer))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
