package safe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunRecoversAndLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	assert.NotPanics(t, func() {
		Run(zap.New(core), "writer", func() { panic("boom") })
	})
	entries := logs.FilterMessage("panic recovered").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "writer", entries[0].ContextMap()["task"])
	}
}

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(3, "int") })
}
