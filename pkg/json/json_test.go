package json

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	Plan string  `json:"plan"`
	Rows []int64 `json:"rows"`
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestWriteIndented(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIndented(&buf, report{Plan: "a<b", Rows: []int64{24, 2}}))

	assert.Equal(t, "{\n  \"plan\": \"a<b\",\n  \"rows\": [\n    24,\n    2\n  ]\n}\n", buf.String())

	var back report
	require.NoError(t, Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, []int64{24, 2}, back.Rows)
}

func TestWriteIndentedErrors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteIndented(&buf, make(chan int)))
	assert.Zero(t, buf.Len(), "nothing is written when encoding fails")

	assert.Error(t, WriteIndented(failingWriter{}, report{}))
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("stale")
	PutBuffer(buf)

	assert.Zero(t, GetBuffer().Len(), "buffers come back reset")

	big := bytes.NewBuffer(make([]byte, 0, maxPooledBuffer+1))
	PutBuffer(big)
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(report{Plan: "p"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan":"p","rows":null}`, string(data))

	data, err = MarshalIndent(map[string]int{"a": 1}, "", " ")
	require.NoError(t, err)
	assert.Equal(t, "{\n \"a\": 1\n}", string(data))
}
