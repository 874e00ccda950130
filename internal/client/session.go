// Package client implements the ReplFS client coordinator: roll-call
// membership discovery, OpenFile fan-out, fire-and-forget WriteBlock,
// and the two-phase Commit/Abort protocol. All state is bundled into a
// Session value rather than scattered globals, so a test can stand up
// several independent sessions in one process.
package client

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dieterichlawson/replfs/internal/metrics"
	"github.com/dieterichlawson/replfs/internal/transport"
	"github.com/dieterichlawson/replfs/internal/wire"
)

// Sentinel error kinds. Each is wrapped with additional detail via
// fmt.Errorf("%w: ...") so callers can errors.Is against the kind.
var (
	ErrInitializationFailure = errors.New("client: initialization failure")
	ErrOpenFailure           = errors.New("client: open failure")
	ErrInvalidArgument       = errors.New("client: invalid argument")
	ErrCommitFailure         = errors.New("client: commit failure")
)

const (
	MaxRollCallRounds      = 3
	MaxTimeoutsPerRollCall = 3
	MaxTimeoutsPerOpen     = 10
	MaxCommitLatency       = 2 * time.Second
	MaxTimeoutsPerCommit   = 10
)

// openFile is the client's per-file bookkeeping.
type openFile struct {
	commitNum wire.CommitNum
	writeNum  wire.WriteNum
	staged    []wire.WriteBlock
}

// Session bundles all client-side protocol state: pinned server set,
// the next file id to assign, and the open-file table.
type Session struct {
	ch      transport.Channel
	metrics *metrics.Set
	logger  *log.Entry

	serverIDs  map[wire.ServerID]bool
	nextFileID wire.FileID
	openFiles  map[wire.FileID]*openFile
}

// NewSession constructs an unready Session; call RollCall before any
// other operation.
func NewSession(ch transport.Channel, mset *metrics.Set) *Session {
	return &Session{
		ch:         ch,
		metrics:    mset,
		logger:     log.WithField("component", "client"),
		nextFileID: 1,
		openFiles:  make(map[wire.FileID]*openFile),
	}
}

// RollCall discovers and pins the set of expectedNumServers distinct
// server ids, retrying up to MaxRollCallRounds times.
func (s *Session) RollCall(expectedNumServers int) error {
	for round := 0; round < MaxRollCallRounds; round++ {
		seen := make(map[wire.ServerID]bool)
		if err := s.ch.Send(wire.TagRollCall, wire.RollCall{}); err != nil {
			return fmt.Errorf("%w: send ROLL_CALL: %v", ErrInitializationFailure, err)
		}
		if s.metrics != nil {
			s.metrics.RollCallsTotal.Inc()
		}
		for timeouts := 0; len(seen) < expectedNumServers && timeouts < MaxTimeoutsPerRollCall; {
			ev, err := s.ch.Next()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInitializationFailure, err)
			}
			switch e := ev.(type) {
			case transport.HeartbeatEvent:
				timeouts++
			case transport.PacketEvent:
				if e.Tag != wire.TagRollCallAck {
					continue
				}
				ack := e.Record.(wire.RollCallAck)
				seen[ack.ProposedID] = true
			}
		}
		if len(seen) == expectedNumServers {
			s.serverIDs = seen
			s.logger.Debugf("roll call succeeded with %d servers after %d round(s)", expectedNumServers, round+1)
			return nil
		}
	}
	return fmt.Errorf("%w: roll call did not converge on %d servers", ErrInitializationFailure, expectedNumServers)
}

// OpenFile assigns a new fileId, fans OPEN_FILE out to every pinned
// server, and waits for every server to ack.
func (s *Session) OpenFile(name string) (wire.FileID, error) {
	fileID := s.nextFileID
	s.nextFileID++

	var rec wire.OpenFile
	rec.FileID = fileID
	rec.SetName(name)

	remaining := make(map[wire.ServerID]bool, len(s.serverIDs))
	for id := range s.serverIDs {
		remaining[id] = true
	}

	if err := s.ch.Send(wire.TagOpenFile, rec); err != nil {
		return 0, fmt.Errorf("%w: send OPEN_FILE: %v", ErrOpenFailure, err)
	}

	for timeouts := 0; len(remaining) > 0; {
		if timeouts >= MaxTimeoutsPerOpen {
			return 0, fmt.Errorf("%w: timed out waiting for %d server(s)", ErrOpenFailure, len(remaining))
		}
		ev, err := s.ch.Next()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrOpenFailure, err)
		}
		switch e := ev.(type) {
		case transport.HeartbeatEvent:
			timeouts++
			if err := s.ch.Send(wire.TagOpenFile, rec); err != nil {
				return 0, fmt.Errorf("%w: resend OPEN_FILE: %v", ErrOpenFailure, err)
			}
		case transport.PacketEvent:
			if e.Tag != wire.TagOpenFileAck {
				continue
			}
			ack := e.Record.(wire.OpenFileAck)
			if ack.FileID != fileID {
				continue
			}
			delete(remaining, ack.ServerID)
		}
	}

	s.openFiles[fileID] = &openFile{commitNum: 1}
	return fileID, nil
}

// WriteBlock validates and stages a write, multicasting it
// fire-and-forget. Recovery of a lost WRITE_BLOCK happens during
// commit phase 1, not here.
func (s *Session) WriteBlock(fileID wire.FileID, buf []byte, byteOffset, blockSize uint32) (int, error) {
	of, ok := s.openFiles[fileID]
	if !ok {
		return 0, fmt.Errorf("%w: file %d is not open", ErrInvalidArgument, fileID)
	}
	if len(buf) == 0 || blockSize == 0 {
		return 0, nil
	}
	if blockSize > wire.MaxWriteSize {
		return 0, fmt.Errorf("%w: blockSize %d exceeds %d", ErrInvalidArgument, blockSize, wire.MaxWriteSize)
	}
	if uint64(byteOffset)+uint64(blockSize) > wire.MaxFilesizeBytes {
		return 0, fmt.Errorf("%w: write extends past %d bytes", ErrInvalidArgument, wire.MaxFilesizeBytes)
	}
	if of.writeNum >= wire.MaxWritesPerCommit-1 {
		return 0, fmt.Errorf("%w: write budget of %d exhausted for this commit window", ErrInvalidArgument, wire.MaxWritesPerCommit)
	}

	writeNum := of.writeNum
	of.writeNum++

	rec := wire.WriteBlock{
		FileID:     fileID,
		CommitNum:  of.commitNum,
		WriteNum:   writeNum,
		ByteOffset: byteOffset,
		BlockSize:  blockSize,
	}
	copy(rec.Data[:], buf[:blockSize])

	if err := s.ch.Send(wire.TagWriteBlock, rec); err != nil {
		return 0, fmt.Errorf("%w: send WRITE_BLOCK: %v", ErrInvalidArgument, err)
	}
	of.staged = append(of.staged, rec)
	return int(blockSize), nil
}

// Commit runs the two-phase commit protocol for fileID. closeFlag is
// forwarded to the servers verbatim; on success a closeFlag commit
// also drops the file from client state.
func (s *Session) Commit(fileID wire.FileID, closeFlag bool) error {
	of, ok := s.openFiles[fileID]
	if !ok {
		return fmt.Errorf("%w: file %d is not open", ErrInvalidArgument, fileID)
	}

	if err := s.commitPhase1(fileID, of); err != nil {
		return err
	}
	if err := s.commitPhase2(fileID, of, closeFlag); err != nil {
		return err
	}

	of.staged = nil
	of.commitNum++
	of.writeNum = 0
	if s.metrics != nil {
		s.metrics.CommitsTotal.Inc()
	}
	if closeFlag {
		delete(s.openFiles, fileID)
	}
	return nil
}

func (s *Session) commitPhase1(fileID wire.FileID, of *openFile) error {
	remaining := make(map[wire.ServerID]bool, len(s.serverIDs))
	lastContact := make(map[wire.ServerID]time.Time, len(s.serverIDs))
	now := time.Now()
	for id := range s.serverIDs {
		remaining[id] = true
		lastContact[id] = now
	}

	req := wire.CommitRequest{FileID: fileID, CommitNum: of.commitNum, FinalWriteNum: of.writeNum}
	if err := s.ch.Send(wire.TagCommitRequest, req); err != nil {
		return fmt.Errorf("%w: send COMMIT_REQUEST: %v", ErrCommitFailure, err)
	}

	for len(remaining) > 0 {
		ev, err := s.ch.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCommitFailure, err)
		}
		switch e := ev.(type) {
		case transport.HeartbeatEvent:
			if err := s.ch.Send(wire.TagCommitRequest, req); err != nil {
				return fmt.Errorf("%w: resend COMMIT_REQUEST: %v", ErrCommitFailure, err)
			}
		case transport.PacketEvent:
			switch e.Tag {
			case wire.TagReadyToCommit:
				rtc := e.Record.(wire.ReadyToCommit)
				if rtc.FileID != fileID || rtc.CommitNum != of.commitNum {
					continue
				}
				delete(remaining, rtc.ServerID)
				delete(lastContact, rtc.ServerID)
			case wire.TagWriteResendRequest:
				wrr := e.Record.(wire.WriteResendRequest)
				if wrr.FileID != fileID || wrr.CommitNum != of.commitNum {
					continue
				}
				lastContact[wrr.ServerID] = time.Now()
				for _, w := range of.staged {
					if wrr.RequestedWrites.IsSet(uint8(w.WriteNum)) {
						if err := s.ch.Send(wire.TagWriteBlock, w); err != nil {
							return fmt.Errorf("%w: resend WRITE_BLOCK: %v", ErrCommitFailure, err)
						}
						if s.metrics != nil {
							s.metrics.WriteResendsTotal.Inc()
						}
					}
				}
			}
		}

		now := time.Now()
		for id := range remaining {
			if now.Sub(lastContact[id]) >= MaxCommitLatency {
				return fmt.Errorf("%w: server %d silent for %s", ErrCommitFailure, id, MaxCommitLatency)
			}
		}
	}
	return nil
}

func (s *Session) commitPhase2(fileID wire.FileID, of *openFile, closeFlag bool) error {
	remaining := make(map[wire.ServerID]bool, len(s.serverIDs))
	for id := range s.serverIDs {
		remaining[id] = true
	}

	rec := wire.Commit{FileID: fileID, CommitNum: of.commitNum, CloseFlag: closeFlag}
	if err := s.ch.Send(wire.TagCommit, rec); err != nil {
		return fmt.Errorf("%w: send COMMIT: %v", ErrCommitFailure, err)
	}

	for timeouts := 0; len(remaining) > 0; {
		if timeouts >= MaxTimeoutsPerCommit {
			return fmt.Errorf("%w: timed out waiting for %d server(s) to ack commit", ErrCommitFailure, len(remaining))
		}
		ev, err := s.ch.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCommitFailure, err)
		}
		switch e := ev.(type) {
		case transport.HeartbeatEvent:
			timeouts++
			if err := s.ch.Send(wire.TagCommit, rec); err != nil {
				return fmt.Errorf("%w: resend COMMIT: %v", ErrCommitFailure, err)
			}
		case transport.PacketEvent:
			if e.Tag != wire.TagCommitAck {
				continue
			}
			ack := e.Record.(wire.CommitAck)
			if ack.FileID != fileID || ack.CommitNum != of.commitNum {
				continue
			}
			delete(remaining, ack.ServerID)
		}
	}
	return nil
}

// Abort burns the current commit window locally, then best-effort
// converges the servers onto the same state. For an open file it
// always reports success to the caller: local cleanup has already
// happened by the time the network round runs. A file that is not open
// yields ErrInvalidArgument.
func (s *Session) Abort(fileID wire.FileID, closeFlag bool) error {
	of, ok := s.openFiles[fileID]
	if !ok {
		return fmt.Errorf("%w: file %d is not open", ErrInvalidArgument, fileID)
	}

	burned := of.commitNum
	of.staged = nil
	of.commitNum++
	of.writeNum = 0
	if s.metrics != nil {
		s.metrics.AbortsTotal.Inc()
	}
	if closeFlag {
		delete(s.openFiles, fileID)
	}

	remaining := make(map[wire.ServerID]bool, len(s.serverIDs))
	for id := range s.serverIDs {
		remaining[id] = true
	}
	rec := wire.Abort{FileID: fileID, CommitNum: burned, CloseFlag: closeFlag}
	if err := s.ch.Send(wire.TagAbort, rec); err != nil {
		s.logger.WithError(err).Warn("failed to send ABORT; local state already cleaned up")
		return nil
	}

	for timeouts := 0; len(remaining) > 0 && timeouts < MaxTimeoutsPerCommit; {
		ev, err := s.ch.Next()
		if err != nil {
			s.logger.WithError(err).Warn("abort ack collection ended early")
			return nil
		}
		switch e := ev.(type) {
		case transport.HeartbeatEvent:
			timeouts++
			_ = s.ch.Send(wire.TagAbort, rec)
		case transport.PacketEvent:
			if e.Tag != wire.TagAbortAck {
				continue
			}
			ack := e.Record.(wire.AbortAck)
			if ack.FileID != fileID || ack.CommitNum != burned {
				continue
			}
			delete(remaining, ack.ServerID)
		}
	}
	return nil
}

// CloseFile commits if any write has been staged since the last
// commit/abort, else aborts — either way with closeFlag set, so every
// close carries a close signal to the servers.
func (s *Session) CloseFile(fileID wire.FileID) error {
	of, ok := s.openFiles[fileID]
	if !ok {
		return fmt.Errorf("%w: file %d is not open", ErrInvalidArgument, fileID)
	}
	if len(of.staged) > 0 {
		return s.Commit(fileID, true)
	}
	return s.Abort(fileID, true)
}
