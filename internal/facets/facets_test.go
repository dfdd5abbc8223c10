package facets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/pkg/types"
)

const labelsCSV = `facet,key,label_en,active
period,Abbasid,Abbasid period,true
region,Iraq_RE,Iraq,1
region,Sham_RE,Greater Syria,no
tags,,Missing key,true
lang,ara,Arabic,yes
version,PRI,
`

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(strings.NewReader(labelsCSV))
	require.NoError(t, err)

	assert.Equal(t, 3, labels.Len())
	assert.Equal(t, "Abbasid period", labels.Label("period", "Abbasid"))
	assert.Equal(t, "Iraq", labels.Label("region", "Iraq_RE"))
	assert.Equal(t, "Sham_RE", labels.Label("region", "Sham_RE"), "inactive row skipped")
	assert.Equal(t, "PRI", labels.Label("version", "PRI"), "row without label skipped")
	assert.Equal(t, "Arabic", labels.Label("lang", "ara"))
}

func TestParseLabels_ActiveColumnOptional(t *testing.T) {
	labels, err := ParseLabels(strings.NewReader("\ufefffacet,key,label_en\nlang,fas,Persian\n"))
	require.NoError(t, err)
	assert.Equal(t, "Persian", labels.Label("lang", "fas"))
}

func TestParseLabels_Empty(t *testing.T) {
	labels, err := ParseLabels(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, labels.Len())
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facet_labels.csv")
	require.NoError(t, os.WriteFile(path, []byte(labelsCSV), 0o644))

	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, "Iraq", labels.Label("region", "Iraq_RE"))

	missing, err := LoadLabels(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Equal(t, 0, missing.Len())
}

func TestLabel_FallsBackToKey(t *testing.T) {
	var nilLabels *Labels
	assert.Equal(t, "Iraq_RE", nilLabels.Label("region", "Iraq_RE"))
	assert.Equal(t, "x", NewLabels(nil).Label("tags", "x"))
}

func TestBuild(t *testing.T) {
	labels := NewLabels(map[string]map[string]string{
		"region": {"Iraq_RE": "Iraq"},
	})
	aggs := map[string][]lexical.Bucket{
		"region": {
			{Key: "Khurasan_RE", DocCount: 9},
			{Key: nil, DocCount: 4},
			{Key: "Iraq_RE", DocCount: 3},
		},
		"lang":    {{Key: "ara", DocCount: 12}},
		"unknown": {{Key: "ignored", DocCount: 1}},
	}

	got := labels.Build(aggs)

	assert.Len(t, got, len(Names))
	assert.Equal(t, []types.FacetBucket{
		{Key: "Khurasan_RE", Label: "Khurasan_RE", Count: 9},
		{Key: "Iraq_RE", Label: "Iraq", Count: 3},
	}, got["region"])
	assert.Equal(t, []types.FacetBucket{{Key: "ara", Label: "ara", Count: 12}}, got["lang"])
	assert.Empty(t, got["period"])
	assert.NotNil(t, got["period"])
	assert.NotContains(t, got, "unknown")
}

func TestBuild_NonStringKeys(t *testing.T) {
	got := NewLabels(nil).Build(map[string][]lexical.Bucket{
		"period": {{Key: float64(3), DocCount: 1}},
	})
	assert.Equal(t, "3", got["period"][0].Key)
}
