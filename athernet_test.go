package athernet

import (
	"testing"

	"github.com/athernet-go/athernet/frame"
	"github.com/stretchr/testify/assert"
)

func Test_NextSendTag_WrapsPerDestination(t *testing.T) {
	var n = &Node{}

	var first = n.nextSendTag(3)
	var second = n.nextSendTag(3)
	assert.Equal(t, byte(0), first)
	assert.Equal(t, byte(1), second)

	// A different destination has its own independent counter.
	assert.Equal(t, byte(0), n.nextSendTag(7))

	for i := 0; i < 14; i++ {
		n.nextSendTag(3)
	}
	assert.Equal(t, byte(0), n.nextSendTag(3))
}

func Test_IsDuplicate_FirstFrameNeverDuplicate(t *testing.T) {
	var n = &Node{}
	var f, err = frame.NewData(1, 2, 5, []byte("hi"))
	assert.NoError(t, err)
	assert.False(t, n.isDuplicate(f))
}

func Test_IsDuplicate_RepeatedTagIsDuplicate(t *testing.T) {
	var n = &Node{}
	var f1, _ = frame.NewData(1, 2, 5, []byte("hi"))
	var f2, _ = frame.NewData(1, 2, 5, []byte("hi, again"))

	assert.False(t, n.isDuplicate(f1))
	assert.True(t, n.isDuplicate(f2))
}

func Test_IsDuplicate_NewTagIsNotDuplicate(t *testing.T) {
	var n = &Node{}
	var f1, _ = frame.NewData(1, 2, 5, []byte("hi"))
	var f2, _ = frame.NewData(1, 2, 6, []byte("hi"))

	assert.False(t, n.isDuplicate(f1))
	assert.False(t, n.isDuplicate(f2))
}

func Test_IsDuplicate_TracksPerSourceIndependently(t *testing.T) {
	var n = &Node{}
	var fromA, _ = frame.NewData(1, 9, 2, []byte("a"))
	var fromB, _ = frame.NewData(3, 9, 2, []byte("b"))

	assert.False(t, n.isDuplicate(fromA))
	assert.False(t, n.isDuplicate(fromB))
}
