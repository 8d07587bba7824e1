package util

import (
	"io/ioutil"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/deltasync/pkg/errors"
)

func TestHandleFatalError(t *testing.T) {
	var exitCode int
	exit = func(code int) { exitCode = code }
	defer func() { exit = os.Exit }()

	out, err := ioutil.TempFile("", "stderr")
	require.NoError(t, err)
	defer os.Remove(out.Name())
	stderr = out
	defer func() { stderr = os.Stderr }()

	hook := test.NewGlobal()
	defer hook.Reset()

	HandleFatalError(errors.WithContext(
		errors.NewFriendlyError("The config file is missing."), "parse"))
	assert.Equal(t, 1, exitCode)
	assert.Empty(t, hook.AllEntries())

	printed, err := ioutil.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "The config file is missing.\n", string(printed))

	exitCode = 0
	HandleFatalError(errors.New("boom"))
	assert.Equal(t, 1, exitCode)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
}

func TestHandlePanic(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	assert.PanicsWithValue(t, "boom", func() {
		defer HandlePanic()
		panic("boom")
	})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Panic: boom", hook.LastEntry().Message)
}
