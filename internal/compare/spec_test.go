package compare

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDetermineBasalPolicy(t *testing.T) {
	table := Builtin()
	exp := decode(t, `{"rate": 1.25, "eventualBG": 142, "reason": "temping 1.25"}`)
	act := decode(t, `{"rate": 1.27, "eventualBG": 142.6, "reason": "temp to 1.27"}`)
	verdict := table.Compare(FuncDetermineBasal, exp, act)
	assert.True(t, verdict.Consistent,
		"rate within 0.05, eventualBG within 1, reason ignored")

	act = decode(t, `{"rate": 1.45, "eventualBG": 142, "reason": "temping 1.25"}`)
	verdict = table.Compare(FuncDetermineBasal, exp, act)
	require.False(t, verdict.Consistent)
	assert.Equal(t, "rate", verdict.Differences[0].Path)
}

func TestBuiltinIobArrayPolicy(t *testing.T) {
	table := Builtin()
	exp := decode(t, `[{"iob": 1.2345, "activity": 0.012, "time": "2024-03-15T12:00:00Z"}]`)
	act := decode(t, `[{"iob": 1.2349, "activity": 0.0121, "time": "2024-03-15T12:00:00Z"}]`)
	assert.True(t, table.Compare(FuncIob, exp, act).Consistent)

	drifted := decode(t, `[{"iob": 1.24, "activity": 0.012, "time": "2024-03-15T12:00:00Z"}]`)
	verdict := table.Compare(FuncIob, exp, drifted)
	require.False(t, verdict.Consistent)
	assert.Equal(t, "0.iob", verdict.Differences[0].Path)
}

func TestBuiltinAutosensSkipsDeviations(t *testing.T) {
	table := Builtin()
	exp := decode(t, `{"ratio": 1.1, "deviations": [0.5, -0.2], "error": ""}`)
	act := decode(t, `{"ratio": 1.1, "deviations": [0.51, -0.19, 0]}`)
	assert.True(t, table.Compare(FuncAutosens, exp, act).Consistent)
}

func TestUnknownFunctionIsStrict(t *testing.T) {
	table := Builtin()
	exp := decode(t, `{"a": 1.0}`)
	act := decode(t, `{"a": 1.0001}`)
	assert.False(t, table.Compare("no-such-function", exp, act).Consistent)
}

func TestLoadOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.yaml")
	raw := `
determine-basal:
  ignored_keys: [reason]
  approx_tolerance:
    rate: 0.5
custom-fn:
  flexible_array_paths: [items]
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	table, err := Load(path)
	require.NoError(t, err)

	// Overridden function uses the wider tolerance.
	exp := decode(t, `{"rate": 1.0}`)
	act := decode(t, `{"rate": 1.4}`)
	assert.True(t, table.Compare(FuncDetermineBasal, exp, act).Consistent)

	// New function is registered.
	var items any
	require.NoError(t, json.Unmarshal([]byte(`{"items": [1, 2]}`), &items))
	var swapped any
	require.NoError(t, json.Unmarshal([]byte(`{"items": [2, 1]}`), &swapped))
	assert.True(t, table.Compare("custom-fn", items, swapped).Consistent)

	// Untouched builtins survive.
	assert.Contains(t, table, FuncIob)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
