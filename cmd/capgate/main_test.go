package main

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePanicWritesLog(t *testing.T) {
	var (
		wrotePath string
		wroteData []byte
		exitCode  = -1
	)
	origWrite, origExit := osWriteFile, osExit
	t.Cleanup(func() { osWriteFile, osExit = origWrite, origExit })

	osWriteFile = func(name string, data []byte, perm os.FileMode) error {
		wrotePath = name
		wroteData = data
		return nil
	}
	osExit = func(code int) { exitCode = code }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	require.Equal(t, panicLogFile, wrotePath)
	assert.True(t, strings.HasPrefix(string(wroteData), "panic: boom"))
	assert.Contains(t, string(wroteData), "goroutine")
	assert.Equal(t, 1, exitCode)
}

func TestHandlePanicNoPanic(t *testing.T) {
	exited := false
	origExit := osExit
	t.Cleanup(func() { osExit = origExit })
	osExit = func(int) { exited = true }

	func() {
		defer handlePanic()
	}()

	assert.False(t, exited)
}
