package envelope

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/wire"
)

func TestInspect(t *testing.T) {
	t.Parallel()
	b, err := wire.EncodeUplink(&wire.Uplink{GatewayEUI: "gw1", Number: 7, Query: "sync", Payload: map[string]interface{}{"app": "v1"}})
	require.NoError(t, err)

	s, err := Inspect(strings.ToUpper(hex.EncodeToString(b)))
	require.NoError(t, err)
	assert.Contains(t, s, `"app":"v1"`)
	assert.Contains(t, s, "eui=gw1 n=7 q=sync")

	s, err = Inspect(`{"i":"gw2","n":1,"q":"info","d":{}}`)
	require.NoError(t, err)
	assert.Contains(t, s, "eui=gw2 n=1 q=info")

	s, err = Inspect(`{"i":"gw2","q":"info"}`)
	assert.True(t, wire.IsValidationError(err), "err=%v", err)
	assert.Contains(t, s, `"i":"gw2"`)

	_, err = Inspect("zz")
	assert.Error(t, err)
	_, err = Inspect("ff0013")
	assert.True(t, wire.IsDecodeError(err), "err=%v", err)
}
