package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumFiles(sums ...string) []scannedFile {
	out := make([]scannedFile, 0, len(sums))
	for _, s := range sums {
		out = append(out, scannedFile{path: "F" + s, sha256: s, size: 10})
	}
	return out
}

func TestCompareCatalogs(t *testing.T) {
	r := compareCatalogs(sumFiles("a", "b"), sumFiles("a", "b", "c", "d"))
	assert.Equal(t, 2, r.Same)
	assert.Equal(t, 0, r.Missing)
	assert.Equal(t, 2, r.Extra)
	assert.InDelta(t, 50, r.Percent, 0.001)
	assert.True(t, r.IsSubset())
	assert.Equal(t, relSubset, r.Relation)

	r = compareCatalogs(sumFiles("a", "b", "c"), sumFiles("a"))
	assert.True(t, r.IsSuperset())
	assert.Equal(t, relSuperset, r.Relation)

	r = compareCatalogs(sumFiles("a", "x"), sumFiles("a", "y"))
	assert.Equal(t, relOverlap, r.Relation)

	empty := []scannedFile{{path: "EMPTY", sha256: "e3b0", size: 0}}
	r = compareCatalogs(empty, empty)
	assert.Zero(t, r.Same)
	assert.Zero(t, r.Percent)
}

func TestSimilarImages(t *testing.T) {
	images := []*scannedImage{
		{path: "/a.po", files: sumFiles("1", "2", "3", "4")},
		{path: "/b.po", files: sumFiles("1", "2", "3", "4")},
		{path: "/c.po", files: sumFiles("1", "9")},
		{path: "/bad.po", err: errors.New("unreadable")},
	}
	out, err := similarImages(context.Background(), images, 20, 2)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "/a.po", out[0].Image)
	assert.Equal(t, "/b.po", out[0].Other)
	assert.Equal(t, relIdentical, out[0].Relation)
	assert.Equal(t, "/a.po", out[1].Image)
	assert.Equal(t, "/c.po", out[1].Other)
	assert.InDelta(t, 20, out[1].Percent, 0.001)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = similarImages(ctx, images, 20, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
