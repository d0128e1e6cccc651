package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/paleotronic/diskm8/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuplicateCollection(t *testing.T) {
	var dc DuplicateCollection
	assert.Empty(t, dc.Groups())

	dc.Add("bbbb", "/z.dsk", "HELLO")
	dc.Add("aaaa", "/b.po", "A")
	dc.Add("bbbb", "/a.dsk", "HELLO")
	dc.Add("cccc", "/only.po", "LONELY")
	dc.Add("aaaa", "/a.po", "B")

	groups := dc.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "aaaa", groups[0].SHA256)
	assert.Equal(t, []DuplicateSource{{Image: "/a.po", File: "B"}, {Image: "/b.po", File: "A"}}, groups[0].Sources)
	assert.Equal(t, "bbbb", groups[1].SHA256)
	assert.Equal(t, "/a.dsk", groups[1].Sources[0].Image)

	var buf bytes.Buffer
	dc.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Checksum aaaa duplicated 2 times:")
	assert.Contains(t, out, " 0) /a.po >> B")
	assert.Contains(t, out, "Total checksums with duplicates: 2")
	assert.Contains(t, out, "Total redundant copies found   : 2")
	assert.NotContains(t, out, "LONELY")
}

func TestDuplicateReportWholeImages(t *testing.T) {
	var dc DuplicateCollection
	dc.Add("ffff", "/one.po", "")
	dc.Add("ffff", "/two.po", "")

	var buf bytes.Buffer
	dc.Report(&buf)
	assert.Contains(t, buf.String(), " 1) /two.po\n")
}

func TestEmit(t *testing.T) {
	type sample struct {
		Name  string `yaml:"name" json:"name"`
		Count int    `yaml:"count" json:"count"`
	}
	v := sample{Name: "WORK", Count: 3}
	text := func(w io.Writer) { fmt.Fprintf(w, "%s has %d\n", v.Name, v.Count) }

	for _, tt := range []struct {
		output string
		check  func(t *testing.T, out []byte)
	}{
		{"yaml", func(t *testing.T, out []byte) {
			var got sample
			require.NoError(t, yaml.Unmarshal(out, &got))
			assert.Equal(t, v, got)
		}},
		{"json", func(t *testing.T, out []byte) {
			var got sample
			require.NoError(t, json.Unmarshal(out, &got))
			assert.Equal(t, v, got)
			assert.Contains(t, string(out), "\n  \"name\"")
		}},
		{"text", func(t *testing.T, out []byte) {
			assert.Equal(t, "WORK has 3\n", string(out))
		}},
	} {
		t.Run(tt.output, func(t *testing.T) {
			var buf bytes.Buffer
			a := &app{stdout: &buf, cfg: &config.Config{Output: tt.output}}
			require.NoError(t, a.emit(v, text))
			tt.check(t, buf.Bytes())
		})
	}
}

func TestEmitTextWithoutRendererFallsBackToYAML(t *testing.T) {
	var buf bytes.Buffer
	a := &app{stdout: &buf, cfg: &config.Config{Output: "text"}}
	require.NoError(t, a.emit(map[string]int{"free": 7}, nil))
	assert.Equal(t, "free: 7\n", buf.String())
}
