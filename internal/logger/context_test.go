package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsReachRecords(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "syncd-test"})

	ctx := log.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-1")
	ctx = SetEntityKind(ctx, "products")
	ctx = SetComponent(ctx, "orchestrator")

	CtxInfo(ctx, "batch %d committed", 3)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "batch 3 committed", rec["message"])
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "syncd-test", rec["service"])
	assert.Equal(t, "job-1", rec[FieldJobID])
	assert.Equal(t, "products", rec[FieldEntityKind])
	assert.Equal(t, "orchestrator", rec[FieldComponent])
	assert.Contains(t, rec, "timestamp")
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	prev := GetDefault()
	defer SetDefaultLogger(prev)

	d := Discard()
	SetDefaultLogger(d)
	assert.Same(t, d, FromContext(context.Background()))

	SetDefaultLogger(nil)
	assert.Same(t, d, GetDefault())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "warn", Format: "text", Output: &buf, ServiceName: "x"})
	ctx := log.WithContext(context.Background())

	CtxDebug(ctx, "hidden")
	CtxInfo(ctx, "hidden too")
	assert.Zero(t, buf.Len())

	log.WithField(FieldCount, 2).Warn("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "count=2")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_MAX_SIZE", "not-a-number")
	t.Setenv("LOG_COMPRESS", "false")

	env := LoadFromEnv()
	assert.Equal(t, "debug", env.Level)
	assert.Equal(t, 100, env.MaxSizeMB)
	assert.False(t, env.Compress)
	assert.Equal(t, defaultService, env.ServiceName)
}
