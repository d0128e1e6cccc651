package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// emit writes v in the configured report format. Text output is delegated
// to text, which gets the same writer.
func (a *app) emit(v interface{}, text func(w io.Writer)) error {
	switch a.cfg.Output {
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		if text != nil {
			text(a.stdout)
			return nil
		}
	}
	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type DuplicateSource struct {
	Image string `yaml:"image" json:"image"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

type DuplicateGroup struct {
	SHA256  string            `yaml:"sha256" json:"sha256"`
	Sources []DuplicateSource `yaml:"sources" json:"sources"`
}

// DuplicateCollection groups files or whole images by checksum. It is not
// safe for concurrent use.
type DuplicateCollection struct {
	data map[string][]DuplicateSource
}

func (dc *DuplicateCollection) Add(checksum, image, file string) {

	if dc.data == nil {
		dc.data = make(map[string][]DuplicateSource)
	}

	dc.data[checksum] = append(dc.data[checksum], DuplicateSource{Image: image, File: file})

}

// Groups lists the checksums seen more than once, ordered by checksum, with
// sources ordered by image and file.
func (dc *DuplicateCollection) Groups() []DuplicateGroup {

	out := []DuplicateGroup{}
	for sum, list := range dc.data {
		if len(list) < 2 {
			continue
		}
		l := append([]DuplicateSource(nil), list...)
		sort.Slice(l, func(i, j int) bool {
			if l[i].Image != l[j].Image {
				return l[i].Image < l[j].Image
			}
			return l[i].File < l[j].File
		})
		out = append(out, DuplicateGroup{SHA256: sum, Sources: l})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SHA256 < out[j].SHA256 })
	return out

}

// Report writes the groups the way the text report shows them.
func (dc *DuplicateCollection) Report(w io.Writer) {

	var extras int
	groups := dc.Groups()

	for _, g := range groups {
		fmt.Fprintf(w, "\nChecksum %s duplicated %d times:\n", g.SHA256, len(g.Sources))
		for i, v := range g.Sources {
			if v.File != "" {
				fmt.Fprintf(w, " %d) %s >> %s\n", i, v.Image, v.File)
			} else {
				fmt.Fprintf(w, " %d) %s\n", i, v.Image)
			}
		}
		extras += len(g.Sources) - 1
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "SUMMARY\n")
	fmt.Fprintf(w, "=======\n")
	fmt.Fprintf(w, "Total checksums with duplicates: %d\n", len(groups))
	fmt.Fprintf(w, "Total redundant copies found   : %d\n", extras)

}
