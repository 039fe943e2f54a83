package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/validator"
)

type createParams struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"min=1"`
	Behavior   string `validate:"omitempty,oneof=none always_invoice"`
}

func TestStruct(t *testing.T) {
	t.Parallel()

	require.NoError(t, validator.Struct(createParams{CustomerID: "cus_1", Quantity: 1}))

	err := validator.Struct(createParams{Quantity: 0, Behavior: "later"})
	require.Error(t, err)
	assert.ErrorIs(t, err, billingerr.ErrValidation)

	fields := validator.Fields(err)
	require.Len(t, fields, 3)
	assert.Equal(t, "customer_id", fields[0].Field)
	assert.Equal(t, "required", fields[0].Rule)
	assert.Equal(t, "quantity", fields[1].Field)
	assert.Equal(t, "1", fields[1].Param)
	assert.Equal(t, "Behavior", fields[2].Field)
	assert.Contains(t, err.Error(), "quantity: min=1")
}
