package main

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type overlapRelation string

const (
	relIdentical overlapRelation = "identical"
	relSubset    overlapRelation = "subset"
	relSuperset  overlapRelation = "superset"
	relOverlap   overlapRelation = "overlap"
)

// FileOverlap compares the file catalogs of two images. Missing counts
// files only Image has, Extra files only Other has.
type FileOverlap struct {
	Image    string          `yaml:"image" json:"image"`
	Other    string          `yaml:"other" json:"other"`
	Percent  float64         `yaml:"percent" json:"percent"`
	Same     int             `yaml:"same" json:"same"`
	Missing  int             `yaml:"missing" json:"missing"`
	Extra    int             `yaml:"extra" json:"extra"`
	Relation overlapRelation `yaml:"relation" json:"relation"`
}

// IsSubset is true when every file of Image is also on Other, and Other has more.
func (f FileOverlap) IsSubset() bool {
	return f.Missing == 0 && f.Extra > 0
}

func (f FileOverlap) IsSuperset() bool {
	return f.Extra == 0 && f.Missing > 0
}

func catalogMap(files []scannedFile) map[string]scannedFile {
	out := make(map[string]scannedFile, len(files))
	for _, f := range files {
		if f.size == 0 {
			continue
		}
		out[f.sha256] = f
	}
	return out
}

// compareCatalogs matches files by content, ignoring empty ones, and returns
// the share of files the two catalogs have in common.
func compareCatalogs(d, b []scannedFile) FileOverlap {
	var r FileOverlap

	dmap := catalogMap(d)
	bmap := catalogMap(b)

	for sum := range dmap {
		if _, ok := bmap[sum]; ok {
			r.Same++
		} else {
			r.Missing++
		}
	}
	for sum := range bmap {
		if _, ok := dmap[sum]; !ok {
			r.Extra++
		}
	}

	if total := r.Same + r.Missing + r.Extra; total > 0 {
		r.Percent = 100 * float64(r.Same) / float64(total)
	}

	switch {
	case r.Missing == 0 && r.Extra == 0:
		r.Relation = relIdentical
	case r.IsSubset():
		r.Relation = relSubset
	case r.IsSuperset():
		r.Relation = relSuperset
	default:
		r.Relation = relOverlap
	}
	return r
}

// similarImages compares every pair of readable images and keeps those
// sharing at least threshold percent of their files.
func similarImages(ctx context.Context, images []*scannedImage, threshold float64, workers int) ([]FileOverlap, error) {
	var (
		out []FileOverlap
		mu  sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range images {
		if images[i].err != nil {
			continue
		}
		g.Go(func() error {
			for _, other := range images[i+1:] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if other.err != nil {
					continue
				}
				r := compareCatalogs(images[i].files, other.files)
				if r.Same == 0 || r.Percent < threshold {
					continue
				}
				r.Image, r.Other = images[i].path, other.path
				mu.Lock()
				out = append(out, r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Percent != out[j].Percent {
			return out[i].Percent > out[j].Percent
		}
		if out[i].Image != out[j].Image {
			return out[i].Image < out[j].Image
		}
		return out[i].Other < out[j].Other
	})
	return out, nil
}
