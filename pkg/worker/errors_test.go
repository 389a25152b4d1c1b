package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseExecError(t *testing.T) {
	t.Run("traceback with name and value", func(t *testing.T) {
		body := "Traceback (most recent call last):\n" +
			"  File \"<cell>\", line 1, in <module>\n" +
			"ValueError: test"
		e := parseExecError(body)
		assert.Equal(t, "ValueError", e.Ename)
		assert.Equal(t, "test", e.Evalue)
		assert.Len(t, e.Traceback, 3)
		assert.Equal(t, "ValueError: test", e.Error())
	})

	t.Run("traceback last line without colon", func(t *testing.T) {
		body := "Traceback (most recent call last):\nsomething went sideways"
		e := parseExecError(body)
		assert.Equal(t, "ExecutionError", e.Ename)
		assert.Equal(t, "something went sideways", e.Evalue)
	})

	t.Run("single line gets a synthetic ename", func(t *testing.T) {
		e := parseExecError("worker exploded")
		assert.Equal(t, "ExecutionError", e.Ename)
		assert.Equal(t, "worker exploded", e.Evalue)
		assert.Empty(t, e.Traceback)
	})

	t.Run("trailing blank lines are skipped", func(t *testing.T) {
		body := "Traceback (most recent call last):\nZeroDivisionError: division by zero\n\n"
		e := parseExecError(body)
		assert.Equal(t, "ZeroDivisionError", e.Ename)
		assert.Equal(t, "division by zero", e.Evalue)
	})
}

func TestIsInterruptError(t *testing.T) {
	assert.True(t, isInterruptError("KeyboardInterrupt"))
	assert.True(t, isInterruptError("Traceback ...\nKeyboardInterrupt\n"))
	assert.False(t, isInterruptError("ValueError: test"))
}
