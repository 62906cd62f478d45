package server

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanLines(t *testing.T) {
	var lines []string
	err := scanLines(strings.NewReader("one\ntwo\nthree"), func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestScanLines_OverlongLineDrainsWriter(t *testing.T) {
	r, w := io.Pipe()
	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(w, "start\n"+strings.Repeat("x", 2*maxLineSize)+"\nafter\n")
		w.Close()
		written <- err
	}()

	var lines []string
	err := scanLines(r, func(l string) { lines = append(lines, l) })
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Equal(t, []string{"start"}, lines)

	select {
	case err := <-written:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked after an overlong line")
	}
}
