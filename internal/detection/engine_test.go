package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_MissingConfigFile(t *testing.T) {
	_, err := NewEngine(t.TempDir() + "/gitleaks.toml")
	assert.Error(t, err)
}

func TestEngine_BenignArguments(t *testing.T) {
	e, err := NewEngine("")
	require.NoError(t, err)

	results := e.Detect(map[string]interface{}{
		"issueIdOrKey": "MYP-1",
		"commentBody":  "Code changes implemented",
		"nested":       map[string]interface{}{"labels": []interface{}{"frontend", "react"}},
		"limit":        float64(50),
	})
	assert.Empty(t, results)
}
