package dlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func Test_Logger_TagsCategory(t *testing.T) {
	var buf bytes.Buffer
	var l = New(&buf)
	l.SetLevel(log.DebugLevel)

	l.Info(Xmit, "sent frame", "dest", 3)

	var out = buf.String()
	assert.True(t, strings.Contains(out, "sent frame"))
	assert.True(t, strings.Contains(out, "xmit"))
	assert.True(t, strings.Contains(out, "dest"))
}

func Test_Logger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	var l = New(&buf)
	l.SetLevel(log.InfoLevel)

	l.Debug(Recv, "should not appear")
	assert.Empty(t, buf.String())

	l.Errorf(Error, "should appear")
	assert.NotEmpty(t, buf.String())
}
