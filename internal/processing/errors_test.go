package processing

import (
	"errors"
	"fmt"
	"testing"

	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/stretchr/testify/assert"
)

func TestValidationErrorKeepsSentinel(t *testing.T) {
	err := Invalid(orderdomain.ErrPlanNotActive, "plan %s is full", "small")

	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, orderdomain.ErrPlanNotActive)
	assert.Equal(t, "plan small is full", err.Error())

	wrapped := fmt.Errorf("validate: %w", err)
	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsValidationError(errors.New("boom")))
}

func TestTracebackListsWrapChain(t *testing.T) {
	root := errors.New("connection refused")
	err := fmt.Errorf("nova create: %w", root)

	trace := traceback(err)
	assert.Contains(t, trace, "nova create: connection refused")
	assert.Contains(t, trace, "*errors.errorString: connection refused")
}
