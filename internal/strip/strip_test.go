package strip

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawDump = `{
  "alerts": [{"type": "ACCIDENT"}],
  "endTimeMillis": 1,
  "startTimeMillis": 0,
  "startTime": "a",
  "endTime": "b",
  "users": [],
  "jams": [
    {"uuid": "u1", "speed": 10, "country": "CI", "segments": [], "id": 7, "line": [{"x": -70.1, "y": -33.2}]},
    {"uuid": "u2", "city": "Santiago", "causeAlert": {"x": 1}}
  ]
}
`

func testConfig(out string) *config.Config {
	return &config.Config{
		Batch: config.BatchConfig{MinFileBytes: 50},
		Input: config.InputConfig{EventsField: "jams", TimestampField: "tiempo"},
		Strip: config.StripConfig{
			OutputDir:         out,
			WriteCSV:          true,
			Workers:           2,
			DropFields:        []string{"alerts", "endTimeMillis", "startTimeMillis", "startTime", "endTime", "users"},
			DropEventFields:   []string{"country", "segments", "id", "causeAlert"},
			FileNamePrefixLen: 5,
		},
	}
}

func TestClean(t *testing.T) {
	s := New(testConfig(t.TempDir()), zerolog.Nop())

	doc, events, err := s.Clean([]byte(rawDump), "jams_2023-05-01T10:00.json")
	require.NoError(t, err)
	assert.False(t, bytes.ContainsRune(doc, '\n'), "output must be a single line")

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.ElementsMatch(t, []string{"jams", "tiempo"}, keys(got))
	assert.JSONEq(t, `"2023-05-01T10:00"`, string(got["tiempo"]))
	assert.JSONEq(t, `[
		{"uuid": "u1", "speed": 10, "line": [{"x": -70.1, "y": -33.2}]},
		{"uuid": "u2", "city": "Santiago"}
	]`, string(got["jams"]))
	assert.Len(t, events, 2)
}

func TestClean_Errors(t *testing.T) {
	s := New(testConfig(t.TempDir()), zerolog.Nop())

	_, _, err := s.Clean([]byte(rawDump), "jams.json")
	assert.Error(t, err, "name too short for the prefix")

	_, _, err = s.Clean([]byte(`{"jams": [`), "jams_2023.json")
	assert.Error(t, err)

	_, _, err = s.Clean([]byte(`{"jams": {"uuid": "u1"}}`), "jams_2023.json")
	assert.Error(t, err)
}

func TestWriteEventsCSV(t *testing.T) {
	events := []map[string]json.RawMessage{
		{"uuid": json.RawMessage(`"u1"`), "speed": json.RawMessage(`10`)},
		{"uuid": json.RawMessage(`"u2"`), "city": json.RawMessage(`"Santiago, RM"`)},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEventsCSV(&buf, events, "2023-05-01"))
	assert.Equal(t,
		"city,speed,uuid,time\n"+
			",10,u1,2023-05-01\n"+
			"\"Santiago, RM\",,u2,2023-05-01\n",
		buf.String())
}

func TestRun(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "clean")

	good := filepath.Join(in, "jams_2023-05-01T10:00.json")
	require.NoError(t, os.WriteFile(good, []byte(rawDump), 0644))
	small := filepath.Join(in, "jams_2023-05-01T10:02.json")
	require.NoError(t, os.WriteFile(small, []byte("{}"), 0644))
	broken := filepath.Join(in, "jams_2023-05-01T10:04.json")
	require.NoError(t, os.WriteFile(broken, []byte(strings.Repeat(`{"jams": [`, 10)), 0644))

	s := New(testConfig(out), zerolog.Nop())
	stats, err := s.Run(context.Background(), []string{good, small, broken, filepath.Join(in, "missing.json")})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Written)
	assert.Equal(t, 1, stats.Excluded)
	require.Len(t, stats.Failed, 2)

	data, err := os.ReadFile(filepath.Join(out, "jams_2023-05-01T10:00.json"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
	assert.Contains(t, string(data), `"tiempo":"2023-05-01T10:00"`)

	csvData, err := os.ReadFile(filepath.Join(out, "jams_2023-05-01T10:00.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvData), "city,line,speed,uuid,time\n"))

	_, err = os.Stat(filepath.Join(out, "jams_2023-05-01T10:04.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_Cancelled(t *testing.T) {
	in := t.TempDir()
	good := filepath.Join(in, "jams_2023-05-01T10:00.json")
	require.NoError(t, os.WriteFile(good, []byte(rawDump), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig(t.TempDir()), zerolog.Nop()).Run(ctx, []string{good})
	assert.ErrorIs(t, err, context.Canceled)
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
