package meet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantizeOK(t *testing.T) {
	ok := []float64{0, 0.5, 30, 32.5, 74.5, 120, 300.5}
	for _, kg := range ok {
		assert.True(t, QuantizeOK(kg), "%.3f should be accepted", kg)
	}

	bad := []float64{-0.5, 0.3, 30.25, 74.51, 99.999}
	for _, kg := range bad {
		assert.False(t, QuantizeOK(kg), "%.3f should be rejected", kg)
	}
}

func TestAttemptStatus_Finalized(t *testing.T) {
	assert.False(t, StatusPending.Finalized())
	assert.True(t, StatusValid.Finalized())
	assert.True(t, StatusInvalid.Finalized())
}

func TestKindOf_WalksChain(t *testing.T) {
	base := E(KindStateConflict, "store.FinalizeAttempt", "attempt 1 is already VALID")
	wrapped := fmt.Errorf("handling command: %w", base)

	assert.Equal(t, KindStateConflict, KindOf(wrapped))
	assert.True(t, IsStateConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
}

func TestKindOf_UncategorizedIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("disk on fire")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := Wrap(KindTransient, "store.DeclareAttempt", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransient, KindOf(err))
}
