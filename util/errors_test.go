package util

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestFormatErrorOrNil(t *testing.T) {
	var merr *multierror.Error
	assert.NoError(t, FormatErrorOrNil(merr))

	first := errors.New("close listener")
	merr = multierror.Append(merr, first)
	err := FormatErrorOrNil(merr)
	assert.EqualError(t, err, "1 error occurred:\n\t* close listener")
	assert.ErrorIs(t, err, first)

	merr = multierror.Append(merr, errors.New("close metrics"))
	assert.EqualError(t, FormatErrorOrNil(merr), "2 errors occurred:\n\t* close listener\n\t* close metrics")
}
