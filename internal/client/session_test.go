package client

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieterichlawson/replfs/internal/server"
	"github.com/dieterichlawson/replfs/internal/transport"
)

// testCluster drives one client Session against N in-process
// server.Replica instances over a shared LoopbackHub, replacing real
// sockets for end-to-end scenario tests.
type testCluster struct {
	t      *testing.T
	hub    *transport.LoopbackHub
	mounts []string
	sess   *Session
}

func newTestCluster(t *testing.T, numServers int, dropPercent int) *testCluster {
	t.Helper()
	hub := transport.NewLoopbackHub(dropPercent)
	c := &testCluster{t: t, hub: hub}

	for i := 0; i < numServers; i++ {
		ch := hub.NewChannel(fmt.Sprintf("server-%d", i), 5*time.Millisecond)
		mount := filepath.Join(t.TempDir(), fmt.Sprintf("server-%d", i))
		r, err := server.NewReplica(ch, mount, nil)
		require.NoError(t, err)
		c.mounts = append(c.mounts, mount)
		go func() { _ = r.Run() }()
	}

	clientCh := hub.NewChannel("client", 5*time.Millisecond)
	c.sess = NewSession(clientCh, nil)
	require.NoError(t, c.sess.RollCall(numServers))
	return c
}

func (c *testCluster) assertFileContents(t *testing.T, name, want string) {
	t.Helper()
	for _, mount := range c.mounts {
		got, err := os.ReadFile(filepath.Join(mount, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), "mount %s", mount)
	}
}

func (c *testCluster) assertFileAbsent(t *testing.T, name string) {
	t.Helper()
	for _, mount := range c.mounts {
		_, err := os.Stat(filepath.Join(mount, name))
		assert.True(t, os.IsNotExist(err), "mount %s should not have %s", mount, name)
	}
}

func TestRollCallPinsExpectedServers(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	assert.Len(t, c.sess.serverIDs, 3)
}

func TestScenario_AbortDiscardsWrites(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("hello.txt")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		line := fmt.Sprintf("%d\n", i)
		_, err := c.sess.WriteBlock(fileID, []byte(line), 0, uint32(len(line)))
		require.NoError(t, err)
	}
	require.NoError(t, c.sess.Abort(fileID, false))
	c.assertFileAbsent(t, "hello.txt")
}

func TestScenario_CommitOverlapsOverwriteInOrder(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("numbers.txt")
	require.NoError(t, err)

	happy := "I'm so very happy"
	_, err = c.sess.WriteBlock(fileID, []byte(happy), 17, uint32(len(happy)))
	require.NoError(t, err)
	require.NoError(t, c.sess.Commit(fileID, false))

	sad := "I'm so very sad"
	_, err = c.sess.WriteBlock(fileID, []byte(sad), 17, uint32(len(sad)))
	require.NoError(t, err)
	require.NoError(t, c.sess.Abort(fileID, false))
	require.NoError(t, c.sess.CloseFile(fileID))

	for _, mount := range c.mounts {
		got, err := os.ReadFile(filepath.Join(mount, "numbers.txt"))
		require.NoError(t, err)
		assert.Equal(t, happy, string(got[17:17+len(happy)]))
	}
}

func TestScenario_EmptyCommitCreatesEmptyFile(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("should_be_empty.txt")
	require.NoError(t, err)
	require.NoError(t, c.sess.Commit(fileID, false))
	require.NoError(t, c.sess.CloseFile(fileID))

	for _, mount := range c.mounts {
		info, err := os.Stat(filepath.Join(mount, "should_be_empty.txt"))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	}
}

func TestScenario_OpenThenAbortLeavesNoFile(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("should_not_exist.txt")
	require.NoError(t, err)
	require.NoError(t, c.sess.Abort(fileID, false))
	c.assertFileAbsent(t, "should_not_exist.txt")
}

func TestScenario_SelectiveRetransmissionUnderDrop(t *testing.T) {
	c := newTestCluster(t, 3, 20)
	fileID, err := c.sess.OpenFile("lossy.txt")
	require.NoError(t, err)

	want := "abcdefghijklmnopqrstuvwxyz"
	for i, ch := range want {
		_, err := c.sess.WriteBlock(fileID, []byte(string(ch)), uint32(i), 1)
		require.NoError(t, err)
	}
	require.NoError(t, c.sess.Commit(fileID, false))
	require.NoError(t, c.sess.CloseFile(fileID))
	c.assertFileContents(t, "lossy.txt", want)
}

func TestScenario_WriteBudgetEnforced(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("budget.txt")
	require.NoError(t, err)

	for i := 0; i < 127; i++ {
		_, err := c.sess.WriteBlock(fileID, []byte("x"), 0, 1)
		require.NoError(t, err)
	}
	_, err = c.sess.WriteBlock(fileID, []byte("x"), 0, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteBlockEmptyBufferIsNoOp(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("empty.txt")
	require.NoError(t, err)
	n, err := c.sess.WriteBlock(fileID, nil, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, c.sess.openFiles[fileID].staged)
}

func TestWriteBlockRejectsOversizedBlock(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("oversize.txt")
	require.NoError(t, err)
	buf := make([]byte, 513)
	_, err = c.sess.WriteBlock(fileID, buf, 0, 513)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteBlockRejectsOutOfRangeOffset(t *testing.T) {
	c := newTestCluster(t, 3, 0)
	fileID, err := c.sess.OpenFile("big.txt")
	require.NoError(t, err)
	_, err = c.sess.WriteBlock(fileID, []byte("x"), 1024*1024, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
