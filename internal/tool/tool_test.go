package tool

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunSuccess(t *testing.T) {
	r := &Exec{}
	var out bytes.Buffer
	res := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "printf hello"}, Stdout: &out})
	require.True(t, res.OK())
	assert.NoError(t, res.Err())
	assert.Equal(t, "hello", out.String())
	assert.Equal(t, "sh -c printf hello", res.Command)
}

func TestExecRunFailure(t *testing.T) {
	r := &Exec{}
	res := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)

	err := res.Err()
	var ie *InvocationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 3, ie.ExitCode)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, IsInvocation(err))
}

func TestExecRunMissingBinary(t *testing.T) {
	r := &Exec{}
	res := r.Run(context.Background(), Command{Name: "drb-definitely-not-a-tool"})
	assert.False(t, res.OK())
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecRunStdin(t *testing.T) {
	r := &Exec{}
	var out bytes.Buffer
	res := r.Run(context.Background(), Command{Name: "cat", Stdin: strings.NewReader("piped"), Stdout: &out})
	require.True(t, res.OK())
	assert.Equal(t, "piped", out.String())
}

func TestLimitedBufferKeepsTail(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", b.String())
}

func TestInvocationErrorMessage(t *testing.T) {
	err := Failed(Command{Name: "sgdisk", Args: []string{"-G", "/dev/sdb"}}, 2, "line one\nCaution: invalid").Err()
	assert.EqualError(t, err, "sgdisk -G /dev/sdb failed: exit status 2: Caution: invalid")
}
