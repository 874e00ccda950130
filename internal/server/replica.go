// Package server implements the ReplFS replica: per-file staging,
// commit-number tracking, gap detection, and commit materialization to
// local disk.
package server

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dieterichlawson/replfs/internal/metrics"
	"github.com/dieterichlawson/replfs/internal/transport"
	"github.com/dieterichlawson/replfs/internal/wire"
)

// ErrMountInUse is returned by NewReplica when mountPath already
// exists: a replica refuses to start on top of another instance's
// files.
var ErrMountInUse = fmt.Errorf("server: mount path already in use")

// Replica is one server process's entire state.
type Replica struct {
	ch        transport.Channel
	mountPath string
	metrics   *metrics.Set
	logger    *log.Entry

	id            wire.ServerID
	openFileIds   map[wire.FileID]bool
	closedFileIds map[wire.FileID]bool
	files         map[wire.FileID]*fileEntry
}

// NewReplica creates the mount directory and returns a Replica bound
// to ch. It fails with ErrMountInUse if mountPath already exists.
func NewReplica(ch transport.Channel, mountPath string, mset *metrics.Set) (*Replica, error) {
	if err := os.Mkdir(mountPath, 0o777); err != nil {
		if os.IsExist(err) {
			return nil, ErrMountInUse
		}
		return nil, fmt.Errorf("server: create mount dir %s: %w", mountPath, err)
	}
	return &Replica{
		ch:            ch,
		mountPath:     mountPath,
		metrics:       mset,
		logger:        log.WithField("component", "server"),
		openFileIds:   make(map[wire.FileID]bool),
		closedFileIds: make(map[wire.FileID]bool),
		files:         make(map[wire.FileID]*fileEntry),
	}, nil
}

// Run drives the event loop forever, dispatching each arriving packet
// to its handler and ignoring heartbeats. It returns only on a
// transport error.
func (r *Replica) Run() error {
	for {
		ev, err := r.ch.Next()
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		pe, ok := ev.(transport.PacketEvent)
		if !ok {
			continue // heartbeat: nothing to do
		}
		if err := r.handle(pe); err != nil {
			r.logger.WithError(err).Warn("error handling packet")
		}
	}
}

func (r *Replica) handle(pe transport.PacketEvent) error {
	switch pe.Tag {
	case wire.TagRollCall:
		return r.handleRollCall()
	case wire.TagOpenFile:
		rec := pe.Record.(wire.OpenFile)
		return r.handleOpenFile(rec)
	case wire.TagWriteBlock:
		rec := pe.Record.(wire.WriteBlock)
		return r.handleWriteBlock(rec)
	case wire.TagCommitRequest:
		rec := pe.Record.(wire.CommitRequest)
		return r.handleCommitRequest(rec)
	case wire.TagCommit:
		rec := pe.Record.(wire.Commit)
		return r.handleCommit(rec)
	case wire.TagAbort:
		rec := pe.Record.(wire.Abort)
		return r.handleAbort(rec)
	default:
		// Records the client never sends to servers (acks, resend
		// requests) or an unrecognized tag: silently ignored.
		return nil
	}
}

// handleRollCall re-seeds a pseudorandom source from host address XOR
// pid XOR microseconds and draws a fresh 32-bit server id, so a
// restarted replica never reuses a stale one.
func (r *Replica) handleRollCall() error {
	seed := localAddressSeed() ^ uint32(os.Getpid()) ^ uint32(time.Now().UnixMicro())
	rng := rand.New(rand.NewSource(int64(seed)))
	r.id = wire.ServerID(rng.Uint32())
	r.logger.Debugf("roll call: proposing id %d", r.id)
	if r.metrics != nil {
		r.metrics.RollCallsTotal.Inc()
	}
	return r.ch.Send(wire.TagRollCallAck, wire.RollCallAck{ProposedID: r.id})
}

func localAddressSeed() uint32 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	}
	return 0
}

// handleOpenFile is idempotent: a repeat OPEN_FILE for an already-open
// fileId does not clobber state.
func (r *Replica) handleOpenFile(rec wire.OpenFile) error {
	if !r.openFileIds[rec.FileID] {
		r.openFileIds[rec.FileID] = true
		r.files[rec.FileID] = &fileEntry{filename: rec.Name(), commitNum: 1}
		r.logger.Debugf("opened file %d (%s)", rec.FileID, rec.Name())
		if r.metrics != nil {
			r.metrics.OpenFiles.Inc()
		}
	} else {
		r.logger.Debugf("file %d already open", rec.FileID)
	}
	return r.ch.Send(wire.TagOpenFileAck, wire.OpenFileAck{ServerID: r.id, FileID: rec.FileID})
}

// handleWriteBlock discards writes for a stale/future commit and drops
// duplicate WriteNums, otherwise inserting in sorted order. There is
// no ack: recovery happens in COMMIT_REQUEST's resend bitmap.
func (r *Replica) handleWriteBlock(rec wire.WriteBlock) error {
	entry, ok := r.files[rec.FileID]
	if !ok || !r.openFileIds[rec.FileID] {
		return nil
	}
	if rec.CommitNum != entry.commitNum {
		r.logger.Debugf("write for non-open commit %d (expected %d) on file %d: discarding", rec.CommitNum, entry.commitNum, rec.FileID)
		return nil
	}
	if !entry.insertStaged(rec) {
		r.logger.Debugf("duplicate write %d for file %d: dropping", rec.WriteNum, rec.FileID)
	}
	return nil
}

// handleCommitRequest replies READY_TO_COMMIT if every write 0..final-1
// is staged, else a WRITE_RESEND_REQUEST whose bitmap has a bit set for
// every WriteNum (0..127) not yet staged. It never mutates commitNum —
// only COMMIT/ABORT do that.
func (r *Replica) handleCommitRequest(rec wire.CommitRequest) error {
	entry, ok := r.files[rec.FileID]
	if !ok || !r.openFileIds[rec.FileID] || entry.commitNum != rec.CommitNum {
		return nil
	}
	if len(entry.staged) == int(rec.FinalWriteNum) {
		r.logger.Debugf("file %d commit %d ready", rec.FileID, rec.CommitNum)
		return r.ch.Send(wire.TagReadyToCommit, wire.ReadyToCommit{
			ServerID: r.id, FileID: rec.FileID, CommitNum: rec.CommitNum,
		})
	}
	r.logger.Debugf("file %d commit %d has %d/%d writes: requesting resend", rec.FileID, rec.CommitNum, len(entry.staged), rec.FinalWriteNum)
	return r.ch.Send(wire.TagWriteResendRequest, wire.WriteResendRequest{
		ServerID: r.id, FileID: rec.FileID, CommitNum: rec.CommitNum,
		RequestedWrites: entry.missingBitmap(),
	})
}

// handleCommit applies the commit at most once, then acks whenever the
// commit is current, already applied in the past (commitNum <=
// expected — idempotence, not a bug), or the file has since been
// closed.
func (r *Replica) handleCommit(rec wire.Commit) error {
	entry, ok := r.files[rec.FileID]
	applied := ok && rec.CommitNum == entry.commitNum
	if applied {
		n, err := commitToDisk(r.mountPath, entry)
		if err != nil {
			r.logger.WithError(err).Errorf("commit failed for file %d", rec.FileID)
		} else if r.metrics != nil {
			r.metrics.BytesCommittedTotal.Add(float64(n))
		}
		entry.staged = nil
		entry.commitNum++
		if r.metrics != nil {
			r.metrics.CommitsTotal.Inc()
		}
		if rec.CloseFlag {
			r.closeFile(rec.FileID)
		}
	}
	alreadyApplied := ok && rec.CommitNum <= entry.commitNum
	if applied || alreadyApplied || r.closedFileIds[rec.FileID] {
		return r.ch.Send(wire.TagCommitAck, wire.CommitAck{ServerID: r.id, FileID: rec.FileID, CommitNum: rec.CommitNum})
	}
	return nil
}

// handleAbort discards staged writes and burns the commit slot (an
// abort still advances commitNum), with the same idempotent ack
// condition as handleCommit.
func (r *Replica) handleAbort(rec wire.Abort) error {
	entry, ok := r.files[rec.FileID]
	applied := ok && r.openFileIds[rec.FileID] && rec.CommitNum == entry.commitNum
	if applied {
		entry.staged = nil
		entry.commitNum++
		if r.metrics != nil {
			r.metrics.AbortsTotal.Inc()
		}
		if rec.CloseFlag {
			r.closeFile(rec.FileID)
		}
	}
	alreadyApplied := ok && rec.CommitNum <= entry.commitNum
	if applied || alreadyApplied || r.closedFileIds[rec.FileID] {
		return r.ch.Send(wire.TagAbortAck, wire.AbortAck{ServerID: r.id, FileID: rec.FileID, CommitNum: rec.CommitNum})
	}
	return nil
}

func (r *Replica) closeFile(fileID wire.FileID) {
	delete(r.openFileIds, fileID)
	delete(r.files, fileID)
	r.closedFileIds[fileID] = true
	if r.metrics != nil {
		r.metrics.OpenFiles.Dec()
	}
}
