package wire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSizes(t *testing.T) {
	sizes := map[Tag]int{
		TagRollCall:           1,
		TagRollCallAck:        5,
		TagOpenFile:           133,
		TagOpenFileAck:        9,
		TagWriteBlock:         530,
		TagCommitRequest:      10,
		TagReadyToCommit:      13,
		TagCommit:             10,
		TagCommitAck:          13,
		TagWriteResendRequest: 29,
		TagAbort:              10,
		TagAbortAck:           13,
	}
	for tag, want := range sizes {
		got, ok := PacketSize(tag)
		require.True(t, ok, "tag %v", tag)
		assert.Equal(t, want, got, "tag %v", tag)
	}
}

func TestUnknownTag(t *testing.T) {
	_, _, err := Decode([]byte{0xFF})
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = Encode(Tag(0xFF), nil)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestRoundtripAllTags(t *testing.T) {
	cases := []struct {
		tag Tag
		rec any
	}{
		{TagRollCall, RollCall{}},
		{TagRollCallAck, RollCallAck{ProposedID: 0xDEADBEEF}},
		{TagOpenFile, func() OpenFile {
			var o OpenFile
			o.FileID = 7
			o.SetName("hello.txt")
			return o
		}()},
		{TagOpenFileAck, OpenFileAck{ServerID: 1, FileID: 2}},
		{TagWriteBlock, func() WriteBlock {
			var w WriteBlock
			w.FileID = 3
			w.CommitNum = 1
			w.WriteNum = 42
			w.ByteOffset = 17
			w.BlockSize = 5
			copy(w.Data[:], []byte("hello"))
			return w
		}()},
		{TagCommitRequest, CommitRequest{FileID: 3, CommitNum: 1, FinalWriteNum: 5}},
		{TagReadyToCommit, ReadyToCommit{ServerID: 9, FileID: 3, CommitNum: 1}},
		{TagCommit, Commit{FileID: 3, CommitNum: 1, CloseFlag: true}},
		{TagCommitAck, CommitAck{ServerID: 9, FileID: 3, CommitNum: 1}},
		{TagWriteResendRequest, func() WriteResendRequest {
			bm := AllNeeded()
			bm.Clear(0)
			bm.Clear(127)
			return WriteResendRequest{ServerID: 9, FileID: 3, CommitNum: 1, RequestedWrites: bm}
		}()},
		{TagAbort, Abort{FileID: 3, CommitNum: 1, CloseFlag: false}},
		{TagAbortAck, AbortAck{ServerID: 9, FileID: 3, CommitNum: 1}},
	}

	for _, tc := range cases {
		buf, err := Encode(tc.tag, tc.rec)
		require.NoError(t, err, "tag %v", tc.tag)
		gotTag, gotRec, err := Decode(buf)
		require.NoError(t, err, "tag %v", tc.tag)
		assert.Equal(t, tc.tag, gotTag)
		assert.Equal(t, tc.rec, gotRec, "tag %v", tc.tag)
	}
}

// TestRoundtripFuzz exercises the codec against randomized WRITE_BLOCK
// field values, rather than a single fixed example.
func TestRoundtripFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var w WriteBlock
		w.FileID = FileID(rng.Uint32())
		w.CommitNum = CommitNum(rng.Uint32())
		w.WriteNum = WriteNum(rng.Intn(128))
		w.ByteOffset = rng.Uint32()
		w.BlockSize = rng.Uint32()
		rng.Read(w.Data[:])

		buf, err := Encode(TagWriteBlock, w)
		require.NoError(t, err)
		gotTag, gotRec, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, TagWriteBlock, gotTag)
		assert.Equal(t, w, gotRec)
	}
}

func TestBitmap128(t *testing.T) {
	bm := AllNeeded()
	for w := 0; w < 128; w++ {
		assert.True(t, bm.IsSet(uint8(w)))
	}
	bm.Clear(0)
	bm.Clear(31)
	bm.Clear(32)
	bm.Clear(127)
	assert.False(t, bm.IsSet(0))
	assert.False(t, bm.IsSet(31))
	assert.False(t, bm.IsSet(32))
	assert.False(t, bm.IsSet(127))
	assert.True(t, bm.IsSet(1))
	assert.True(t, bm.IsSet(63))

	var empty Bitmap128
	empty.Set(65)
	assert.True(t, empty.IsSet(65))
	assert.False(t, empty.IsSet(64))
	assert.False(t, empty.IsSet(66))
}
