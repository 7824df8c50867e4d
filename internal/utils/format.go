package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/iancoleman/orderedmap"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

/**
 * Convert a struct to an ordered map keyed by its json tags
 * @param {interface{}} v - Struct or pointer to struct
 * @returns {*orderedmap.OrderedMap} Map whose key order follows the field order
 * @description
 * - Goes through JSON, so omitempty fields are left out
 */
func StructToOrderedMap(v interface{}) (*orderedmap.OrderedMap, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := orderedmap.New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func cellText(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return x
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, cellText(p))
		}
		return strings.Join(parts, ", ")
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

/**
 * Print rows as a table, the header comes from the first row's keys
 * @param {[]*orderedmap.OrderedMap} rows - Rows built with StructToOrderedMap
 */
func PrintFormat(rows []*orderedmap.OrderedMap) {
	WriteTable(os.Stdout, rows)
}

func WriteTable(w io.Writer, rows []*orderedmap.OrderedMap) {
	if len(rows) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)

	keys := rows[0].Keys()
	header := make(table.Row, 0, len(keys))
	for _, k := range keys {
		header = append(header, strings.ToUpper(strings.ReplaceAll(k, "_", " ")))
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, 0, len(keys))
		for _, k := range keys {
			v, _ := row.Get(k)
			r = append(r, cellText(v))
		}
		tw.AppendRow(r)
	}
	tw.Render()
}

// PrintYaml 以YAML格式输出任意对象
func PrintYaml(v interface{}) {
	if err := WriteYaml(os.Stdout, v); err != nil {
		fmt.Printf("Failed to format as yaml: %v\n", err)
	}
}

/**
 * Write a value as YAML, using its json field names
 * @param {io.Writer} w - Destination
 * @param {interface{}} v - Any JSON-serializable value
 */
func WriteYaml(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// 解析为节点保留字段顺序
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle 去掉JSON带来的流式与引号风格
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
