package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnknownTag is returned by Decode when the leading byte does not
// match any known record tag. Callers at the transport layer drop an
// undecodable datagram and move on rather than crash.
var ErrUnknownTag = errors.New("wire: unknown tag")

// bodySize reports the exact on-wire size (not counting the tag byte)
// for each tag. Specified explicitly per tag, with no fallthrough:
// COMMIT and ABORT share one length, and their acks another, by
// coincidence rather than by a shared case, so a change to one can
// never silently mis-size another.
var bodySize = map[Tag]int{
	TagRollCall:           0,
	TagRollCallAck:        4,
	TagOpenFile:           4 + MaxFilenameSize,
	TagOpenFileAck:        4 + 4,
	TagWriteBlock:         4 + 4 + 1 + 4 + 4 + MaxWriteSize,
	TagCommitRequest:      4 + 4 + 1,
	TagReadyToCommit:      4 + 4 + 4,
	TagCommit:             4 + 4 + 1,
	TagCommitAck:          4 + 4 + 4,
	TagWriteResendRequest: 4 + 4 + 4 + bitmapBytes,
	TagAbort:              4 + 4 + 1,
	TagAbortAck:           4 + 4 + 4,
}

// BodySize returns the exact body size for tag, and false if tag is
// unknown.
func BodySize(tag Tag) (int, bool) {
	n, ok := bodySize[tag]
	return n, ok
}

// PacketSize returns the total on-wire size (tag byte + body) for tag.
func PacketSize(tag Tag) (int, bool) {
	n, ok := bodySize[tag]
	if !ok {
		return 0, false
	}
	return n + 1, true
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Encode serializes rec (one of the record structs in records.go) for
// tag into a freshly allocated buffer of exactly PacketSize(tag) bytes,
// tag byte first.
func Encode(tag Tag, rec any) ([]byte, error) {
	size, ok := PacketSize(tag)
	if !ok {
		return nil, fmt.Errorf("wire: %w: 0x%02x", ErrUnknownTag, byte(tag))
	}
	buf := make([]byte, size)
	buf[0] = byte(tag)
	body := buf[1:]

	switch tag {
	case TagRollCall:
		// empty body
	case TagRollCallAck:
		r := rec.(RollCallAck)
		putU32(body[0:4], uint32(r.ProposedID))
	case TagOpenFile:
		r := rec.(OpenFile)
		putU32(body[0:4], uint32(r.FileID))
		copy(body[4:4+MaxFilenameSize], r.FileName[:])
	case TagOpenFileAck:
		r := rec.(OpenFileAck)
		putU32(body[0:4], uint32(r.ServerID))
		putU32(body[4:8], uint32(r.FileID))
	case TagWriteBlock:
		r := rec.(WriteBlock)
		putU32(body[0:4], uint32(r.FileID))
		putU32(body[4:8], uint32(r.CommitNum))
		body[8] = byte(r.WriteNum)
		putU32(body[9:13], r.ByteOffset)
		putU32(body[13:17], r.BlockSize)
		copy(body[17:17+MaxWriteSize], r.Data[:])
	case TagCommitRequest:
		r := rec.(CommitRequest)
		putU32(body[0:4], uint32(r.FileID))
		putU32(body[4:8], uint32(r.CommitNum))
		body[8] = byte(r.FinalWriteNum)
	case TagReadyToCommit:
		r := rec.(ReadyToCommit)
		putU32(body[0:4], uint32(r.ServerID))
		putU32(body[4:8], uint32(r.FileID))
		putU32(body[8:12], uint32(r.CommitNum))
	case TagCommit:
		r := rec.(Commit)
		putU32(body[0:4], uint32(r.FileID))
		putU32(body[4:8], uint32(r.CommitNum))
		body[8] = boolByte(r.CloseFlag)
	case TagCommitAck:
		r := rec.(CommitAck)
		putU32(body[0:4], uint32(r.ServerID))
		putU32(body[4:8], uint32(r.FileID))
		putU32(body[8:12], uint32(r.CommitNum))
	case TagWriteResendRequest:
		r := rec.(WriteResendRequest)
		putU32(body[0:4], uint32(r.ServerID))
		putU32(body[4:8], uint32(r.FileID))
		putU32(body[8:12], uint32(r.CommitNum))
		copy(body[12:12+bitmapBytes], r.RequestedWrites[:])
	case TagAbort:
		r := rec.(Abort)
		putU32(body[0:4], uint32(r.FileID))
		putU32(body[4:8], uint32(r.CommitNum))
		body[8] = boolByte(r.CloseFlag)
	case TagAbortAck:
		r := rec.(AbortAck)
		putU32(body[0:4], uint32(r.ServerID))
		putU32(body[4:8], uint32(r.FileID))
		putU32(body[8:12], uint32(r.CommitNum))
	default:
		return nil, fmt.Errorf("wire: %w: 0x%02x", ErrUnknownTag, byte(tag))
	}
	return buf, nil
}

// Decode parses a framed packet (tag byte + body) and returns the tag
// together with the decoded record value. Unknown tags return
// ErrUnknownTag; callers at the transport layer are expected to ignore
// the datagram rather than propagate the error.
func Decode(buf []byte) (Tag, any, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("wire: empty packet")
	}
	tag := Tag(buf[0])
	size, ok := bodySize[tag]
	if !ok {
		return tag, nil, fmt.Errorf("wire: %w: 0x%02x", ErrUnknownTag, byte(tag))
	}
	body := buf[1:]
	if len(body) != size {
		return tag, nil, fmt.Errorf("wire: tag 0x%02x: expected body of %d bytes, got %d", byte(tag), size, len(body))
	}

	switch tag {
	case TagRollCall:
		return tag, RollCall{}, nil
	case TagRollCallAck:
		return tag, RollCallAck{ProposedID: ServerID(getU32(body[0:4]))}, nil
	case TagOpenFile:
		var r OpenFile
		r.FileID = FileID(getU32(body[0:4]))
		copy(r.FileName[:], body[4:4+MaxFilenameSize])
		return tag, r, nil
	case TagOpenFileAck:
		return tag, OpenFileAck{
			ServerID: ServerID(getU32(body[0:4])),
			FileID:   FileID(getU32(body[4:8])),
		}, nil
	case TagWriteBlock:
		var r WriteBlock
		r.FileID = FileID(getU32(body[0:4]))
		r.CommitNum = CommitNum(getU32(body[4:8]))
		r.WriteNum = WriteNum(body[8])
		r.ByteOffset = getU32(body[9:13])
		r.BlockSize = getU32(body[13:17])
		copy(r.Data[:], body[17:17+MaxWriteSize])
		return tag, r, nil
	case TagCommitRequest:
		return tag, CommitRequest{
			FileID:        FileID(getU32(body[0:4])),
			CommitNum:     CommitNum(getU32(body[4:8])),
			FinalWriteNum: WriteNum(body[8]),
		}, nil
	case TagReadyToCommit:
		return tag, ReadyToCommit{
			ServerID:  ServerID(getU32(body[0:4])),
			FileID:    FileID(getU32(body[4:8])),
			CommitNum: CommitNum(getU32(body[8:12])),
		}, nil
	case TagCommit:
		return tag, Commit{
			FileID:    FileID(getU32(body[0:4])),
			CommitNum: CommitNum(getU32(body[4:8])),
			CloseFlag: body[8] != 0,
		}, nil
	case TagCommitAck:
		return tag, CommitAck{
			ServerID:  ServerID(getU32(body[0:4])),
			FileID:    FileID(getU32(body[4:8])),
			CommitNum: CommitNum(getU32(body[8:12])),
		}, nil
	case TagWriteResendRequest:
		var r WriteResendRequest
		r.ServerID = ServerID(getU32(body[0:4]))
		r.FileID = FileID(getU32(body[4:8]))
		r.CommitNum = CommitNum(getU32(body[8:12]))
		copy(r.RequestedWrites[:], body[12:12+bitmapBytes])
		return tag, r, nil
	case TagAbort:
		return tag, Abort{
			FileID:    FileID(getU32(body[0:4])),
			CommitNum: CommitNum(getU32(body[4:8])),
			CloseFlag: body[8] != 0,
		}, nil
	case TagAbortAck:
		return tag, AbortAck{
			ServerID:  ServerID(getU32(body[0:4])),
			FileID:    FileID(getU32(body[4:8])),
			CommitNum: CommitNum(getU32(body[8:12])),
		}, nil
	default:
		return tag, nil, fmt.Errorf("wire: %w: 0x%02x", ErrUnknownTag, byte(tag))
	}
}

func putU32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

func getU32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
