package parameters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	o, err := Parse("ent_coef=0.02,clip_vloss=false,adam_eps=1e-8")
	require.NoError(t, err)
	require.Equal(t, Overrides{
		"ent_coef":   "0.02",
		"clip_vloss": "false",
		"adam_eps":   "1e-8",
	}, o)

	o, err = Parse("clip_vloss")
	require.NoError(t, err)
	require.Equal(t, Overrides{"clip_vloss": "true"}, o)

	o, err = Parse("")
	require.NoError(t, err)
	require.Empty(t, o)

	_, err = Parse("=0.5")
	require.Error(t, err)
}

func TestApplyConvertsToDefaultType(t *testing.T) {
	base := map[string]any{
		"ent_coef":   float64(0.01),
		"clip_coef":  float32(0.1),
		"clip_vloss": true,
		"epochs":     4,
		"optimizer":  "adam",
	}
	o, err := Parse("ent_coef=0.02,clip_coef=0.2,clip_vloss=false,epochs=8,optimizer=adamw,extra=hello")
	require.NoError(t, err)
	got, err := o.Apply(base)
	require.NoError(t, err)

	require.Equal(t, float64(0.02), got["ent_coef"])
	require.Equal(t, float32(0.2), got["clip_coef"])
	require.Equal(t, false, got["clip_vloss"])
	require.Equal(t, 8, got["epochs"])
	require.Equal(t, "adamw", got["optimizer"])
	require.Equal(t, "hello", got["extra"], "unknown keys pass through as strings")
}

func TestApplyRejectsBadValues(t *testing.T) {
	base := map[string]any{"epochs": 4}
	o, err := Parse("epochs=lots")
	require.NoError(t, err)
	_, err = o.Apply(base)
	require.Error(t, err)
	require.Contains(t, err.Error(), "epochs")
}
