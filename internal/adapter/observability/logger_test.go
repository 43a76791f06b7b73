package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-keyrouter/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	if lg == nil {
		t.Fatalf("nil logger")
	}
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	if lg2 == nil {
		t.Fatalf("nil logger prod")
	}
}

func TestNewLogger_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(config.Config{AppEnv: "prod", OTELServiceName: "keyrouter"}, &buf)

	lg.Debug("hidden")
	assert.Zero(t, buf.Len(), "debug must be suppressed outside dev")

	lg.Info("dispatched", "key_slot", "key-1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "keyrouter", rec["service"])
	assert.Equal(t, "prod", rec["env"])
	assert.Equal(t, "key-1", rec["key_slot"])

	buf.Reset()
	dev := newLogger(config.Config{AppEnv: "dev"}, &buf)
	dev.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
