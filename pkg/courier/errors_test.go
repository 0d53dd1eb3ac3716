package courier_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/notify"
	"github.com/randalmurphal/courier/pkg/courier/sqlstore"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want courier.Category
	}{
		{"nil", nil, courier.CategoryPermanent},
		{"unknown", errors.New("boom"), courier.CategoryPermanent},
		{"empty name", event.ErrEmptyName, courier.CategoryInvalid},
		{"invalid payload", fmt.Errorf("publish: %w", event.ErrInvalidPayload), courier.CategoryInvalid},
		{"invalid status", eventlog.ErrInvalidStatus, courier.CategoryInvalid},
		{"explicit invalid", courier.Invalid(errors.New("bad json"), "decode"), courier.CategoryInvalid},
		{"event not found", eventlog.ErrNotFound, courier.CategoryNotFound},
		{"group not found", connection.ErrGroupNotFound, courier.CategoryNotFound},
		{"connecting", connection.ErrConnecting, courier.CategoryConflict},
		{"immutable", eventlog.ErrImmutable, courier.CategoryConflict},
		{"already started", courier.ErrAlreadyStarted, courier.CategoryConflict},
		{"not connected", connection.ErrNotConnected, courier.CategoryUnavailable},
		{"store closed", sqlstore.ErrStoreClosed, courier.CategoryUnavailable},
		{"service closed", courier.ErrClosed, courier.CategoryUnavailable},
		{"delivery failed", fmt.Errorf("invoice.created to x: %w", notify.ErrDeliveryFailed), courier.CategoryTransient},
		{"handler timeout", event.ErrHandlerTimeout, courier.CategoryTransient},
		{"connect timeout", connection.ErrConnectTimeout, courier.CategoryTransient},
		{"closed before ready", fmt.Errorf("%w: gateway gone", connection.ErrClosedBeforeReady), courier.CategoryTransient},
		{"deadline", context.DeadlineExceeded, courier.CategoryTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, courier.Categorize(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, courier.IsRetryable(notify.ErrDeliveryFailed))
	assert.False(t, courier.IsRetryable(event.ErrEmptyName))
	assert.False(t, courier.IsRetryable(nil))
}

func TestCategorizedError(t *testing.T) {
	base := errors.New("bad json")
	err := courier.Invalid(base, "decode payload")

	assert.Equal(t, "decode payload: bad json (category: invalid)", err.Error())
	assert.ErrorIs(t, err, base)

	bare := &courier.CategorizedError{Err: base, Category: courier.CategoryNotFound}
	assert.Equal(t, "bad json (category: not_found)", bare.Error())
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", courier.CategoryTransient.String())
	assert.Equal(t, "unavailable", courier.CategoryUnavailable.String())
	assert.Equal(t, "unknown", courier.Category(99).String())
}
