package utils

import (
	"bytes"
	"testing"

	"github.com/iancoleman/orderedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Version string   `json:"version"`
	Status  string   `json:"status"`
	Groups  []string `json:"groups"`
	Note    string   `json:"note,omitempty"`
}

func TestStructToOrderedMapKeepsFieldOrder(t *testing.T) {
	m, err := StructToOrderedMap(row{Version: "1.0", Status: "pilot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"version", "status", "groups"}, m.Keys())
}

func TestWriteTable(t *testing.T) {
	var rows []*orderedmap.OrderedMap
	for _, r := range []row{
		{Version: "2.0", Status: "pilot", Groups: []string{"qa", "it"}},
		{Version: "1.0", Status: "released"},
	} {
		m, err := StructToOrderedMap(r)
		require.NoError(t, err)
		rows = append(rows, m)
	}

	var buf bytes.Buffer
	WriteTable(&buf, rows)
	out := buf.String()
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "qa, it")
	assert.Contains(t, out, "released")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("2.0")), bytes.Index(buf.Bytes(), []byte("1.0")))

	buf.Reset()
	WriteTable(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestWriteYaml(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYaml(&buf, struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
		Alpha bool   `json:"alpha"`
	}{Name: "xolotest", Count: 2, Alpha: true}))
	assert.Equal(t, "name: xolotest\ncount: 2\nalpha: true\n", buf.String())
}
