package validate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/validate"
)

type sample struct {
	Name  string  `validate:"required"`
	Size  int     `validate:"gt=0"`
	Ratio float64 `validate:"gte=0,lte=1"`
	Mode  string  `validate:"oneof=a b"`
}

func TestStruct(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validate.Struct(&sample{Name: "x", Size: 1, Ratio: 0.5, Mode: "a"}))
	})

	t.Run("Field Messages", func(t *testing.T) {
		err := validate.Struct(&sample{Ratio: 2, Mode: "c"})
		require.Error(t, err)

		var fe *validate.FieldError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "Name is required", fe.Fields["Name"])
		assert.Equal(t, "Size must be greater than 0", fe.Fields["Size"])
		assert.Equal(t, "Ratio must be less than or equal to 1", fe.Fields["Ratio"])
		assert.Equal(t, "Mode must be one of: a b", fe.Fields["Mode"])
		assert.Contains(t, err.Error(), "Name is required")
	})
}
