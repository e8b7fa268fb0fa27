package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSVCoercesAndNests(t *testing.T) {
	csvData := strings.Join([]string{
		`iterations,user_message,label,system_params.session.region,system_params__flow__depth,custom_note,payload`,
		`2,hello,smoke,emea,3,free text,"{""k"": [1, 2]}"`,
	}, "\n")

	result, err := ParseCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)

	item := result.Items[0]
	assert.Equal(t, 2, item["iterations"])
	assert.Equal(t, "hello", item["user_message"])
	assert.Equal(t, "smoke", item["label"])

	sp, ok := item["system_params"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "emea", sp["session"].(map[string]interface{})["region"])
	assert.Equal(t, 3, sp["flow"].(map[string]interface{})["depth"])

	meta, ok := item["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "free text", meta["custom_note"])
	assert.Equal(t, map[string]interface{}{"k": []interface{}{float64(1), float64(2)}}, meta["payload"])
}

func TestParseCSVDefaultsWithWarnings(t *testing.T) {
	csvData := strings.Join([]string{
		`iterations,user_message,correct_answer`,
		`abc,,42`,
		`0,hi,`,
		`,also hi,null`,
	}, "\n")

	result, err := ParseCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, result.Items, 3)

	assert.Equal(t, 1, result.Items[0]["iterations"])
	assert.Equal(t, DefaultUserMessage, result.Items[0]["user_message"])
	assert.Equal(t, 42, result.Items[0]["correct_answer"])

	assert.Equal(t, 1, result.Items[1]["iterations"])
	assert.Equal(t, "hi", result.Items[1]["user_message"])

	assert.Equal(t, 1, result.Items[2]["iterations"])
	// "null" coerces to nil, so the third row's correct_answer is absent.
	assert.Nil(t, result.Items[2]["correct_answer"])

	require.Len(t, result.Warnings, 4)
	assert.Contains(t, result.Warnings[0], "invalid iterations")
	assert.Contains(t, result.Warnings[1], "missing user_message")
	assert.Contains(t, result.Warnings[2], "below 1")
	assert.Contains(t, result.Warnings[3], "missing iterations")
}

func TestParseCSVCellCoercion(t *testing.T) {
	csvData := strings.Join([]string{
		`iterations,user_message,flag,ratio,broken_json`,
		`1,go,true,0.5,{not json`,
	}, "\n")

	result, err := ParseCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	meta := result.Items[0]["metadata"].(map[string]interface{})
	assert.Equal(t, true, meta["flag"])
	assert.Equal(t, 0.5, meta["ratio"])
	// Unparseable JSON-ish text stays a raw string.
	assert.Equal(t, "{not json", meta["broken_json"])
}

func TestParseJSONL(t *testing.T) {
	jsonl := strings.Join([]string{
		`{"iterations": 3, "user_message": "ask", "system_params": {"locale": "fr"}, "tag": "x"}`,
		`not json at all`,
		``,
		`{"user_message": "second"}`,
	}, "\n")

	result, err := ParseJSONL(strings.NewReader(jsonl))
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "line 2")

	first := result.Items[0]
	assert.Equal(t, 3, first["iterations"])
	assert.Equal(t, "fr", first["system_params"].(map[string]interface{})["locale"])
	assert.Equal(t, "x", first["metadata"].(map[string]interface{})["tag"])

	second := result.Items[1]
	assert.Equal(t, 1, second["iterations"])
	assert.Equal(t, "second", second["user_message"])
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "missing iterations")
}

func TestParseUploadDispatch(t *testing.T) {
	result, err := ParseUpload("runs.CSV", strings.NewReader("iterations,user_message\n1,hi\n"))
	require.NoError(t, err)
	assert.Len(t, result.Items, 1)

	result, err = ParseUpload("runs.jsonl", strings.NewReader(`{"iterations":1,"user_message":"hi"}`))
	require.NoError(t, err)
	assert.Len(t, result.Items, 1)

	_, err = ParseUpload("runs.txt", strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestSchemaHint(t *testing.T) {
	result, err := ParseCSV(strings.NewReader("iterations,user_message\n1,hi\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"iterations"}, result.Schema.Required)
	assert.Contains(t, result.Schema.Optional, "user_message")
}
