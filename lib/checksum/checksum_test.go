package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	a := []byte("mirror")
	b := []byte("mirror")
	c := []byte("mirrog")

	assert.Equal(t, Sum(a), Sum(b))
	assert.NotEqual(t, Sum(a), Sum(c))
}
