package buildinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_String_NeverEmpty(t *testing.T) {
	var s = String()
	assert.True(t, strings.HasPrefix(s, "athernet "))
}

func Test_FallbackVersion_DefaultsToDev(t *testing.T) {
	var saved = Version
	Version = ""
	defer func() { Version = saved }()
	assert.Equal(t, "dev", fallbackVersion())
}
