package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvVarsWithDefault(t *testing.T) {
	t.Setenv("ARION_TEST_HOST", "db.internal")

	assert.Equal(t, "db.internal", expandEnvVars("${ARION_TEST_HOST:-localhost}"))
	assert.Equal(t, "localhost", expandEnvVars("${ARION_TEST_MISSING:-localhost}"))
	assert.Equal(t, "host=db.internal port=5432", expandEnvVars("host=${ARION_TEST_HOST} port=${ARION_TEST_PORT:-5432}"))
}

func TestExpandEnvVarsMissingKeptVerbatim(t *testing.T) {
	assert.Equal(t, "${ARION_TEST_NOPE}", expandEnvVars("${ARION_TEST_NOPE}"))
}

func TestParseScalar(t *testing.T) {
	assert.Equal(t, true, ParseScalar("true"))
	assert.Equal(t, false, ParseScalar("false"))
	assert.Equal(t, 42, ParseScalar("42"))
	assert.Equal(t, 3.5, ParseScalar("3.5"))
	assert.Equal(t, "hello", ParseScalar("hello"))
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("ARION_TEST_TIMEOUT", "30")

	data := map[string]interface{}{
		"timeout": "${ARION_TEST_TIMEOUT}",
		"nested": map[string]interface{}{
			"name": "${ARION_TEST_NAME:-fallback}",
		},
		"list": []interface{}{"${ARION_TEST_TIMEOUT}", "plain"},
	}

	expanded := ExpandEnvVarsInData(data).(map[string]interface{})
	assert.Equal(t, 30, expanded["timeout"])
	assert.Equal(t, "fallback", expanded["nested"].(map[string]interface{})["name"])
	assert.Equal(t, 30, expanded["list"].([]interface{})[0])
	assert.Equal(t, "plain", expanded["list"].([]interface{})[1])
}
