package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func Test_DataFrame_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var src = byte(rapid.IntRange(0, 14).Draw(t, "src"))
		var dest = byte(rapid.IntRange(0, 15).Draw(t, "dest"))
		var tag = byte(rapid.IntRange(0, 15).Draw(t, "tag"))
		var payload = rapid.SliceOfN(rapid.Byte(), 0, PayloadMax).Draw(t, "payload")

		var f, err = NewData(src, dest, tag, payload)
		require.NoError(t, err)

		var decoded, derr = Decode(f.Encode())
		require.NoError(t, derr)

		assert.Equal(t, src&0xF, decoded.Src())
		assert.Equal(t, dest&0xF, decoded.Dest())
		assert.Equal(t, tag&0xF, decoded.Tag())
		assert.Equal(t, OpData, decoded.Op())
		assert.Equal(t, payload, decoded.Payload())
	})
}

func Test_ControlFrame_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var src = byte(rapid.IntRange(0, 15).Draw(t, "src"))
		var dest = byte(rapid.IntRange(0, 15).Draw(t, "dest"))
		var tag = byte(rapid.IntRange(0, 15).Draw(t, "tag"))
		var op = rapid.SampledFrom([]Opcode{OpAck, OpPingReq, OpPingReply}).Draw(t, "op")

		var f = New(src, dest, op, tag)
		var decoded, err = Decode(f.Encode())
		require.NoError(t, err)

		assert.Equal(t, op, decoded.Op())
		assert.Equal(t, src&0xF, decoded.Src())
		assert.Equal(t, dest&0xF, decoded.Dest())
		assert.Equal(t, tag&0xF, decoded.Tag())
	})
}

func Test_NewData_RejectsOversizePayload(t *testing.T) {
	var _, err = NewData(0, 1, 0, make([]byte, PayloadMax+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func Test_Decode_DetectsBitFlip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var payload = rapid.SliceOfN(rapid.Byte(), 1, PayloadMax).Draw(t, "payload")
		var f, err = NewData(1, 2, 3, payload)
		require.NoError(t, err)

		var buf = f.Encode()
		var flipIdx = rapid.IntRange(0, len(buf)-1).Draw(t, "flipIdx")
		var flipBit = rapid.IntRange(0, 7).Draw(t, "flipBit")
		buf[flipIdx] ^= 1 << flipBit

		var _, derr = Decode(buf)
		assert.Error(t, derr, "a single flipped bit should never pass CRC check")
	})
}

func Test_Check_Addressing(t *testing.T) {
	var f = NewAck(1, 5, 0)
	var buf = f.Encode()

	assert.True(t, Check(buf, 5))
	assert.False(t, Check(buf, 6))

	var broadcast = NewAck(1, Broadcast, 0)
	assert.True(t, Check(broadcast.Encode(), 9), "broadcast frames address every MAC")
}

func Test_Decode_Truncated(t *testing.T) {
	var _, err = Decode([]byte{0x12})
	assert.ErrorIs(t, err, ErrTruncated)
}
