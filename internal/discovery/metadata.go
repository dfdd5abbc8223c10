package discovery

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/openiti-search/pkg/types"
)

// DefaultMetadataFile is the tab-separated corpus metadata file at the corpus root.
const DefaultMetadataFile = "OpenITI_metadata_2023-1-8.csv"

const tagSeparator = " :: "

// regionPrefixes are tried in order; the first prefix with any match wins.
var regionPrefixes = []string{"born@", "resided@", "died@", "visited@"}

// Metadata is the per-version record derived from one metadata row.
type Metadata struct {
	AuthorAr          string
	AuthorLat         string
	AuthorLatShuhra   string
	AuthorLatFullName string
	WorkTitleAr       string
	WorkTitleLat      string
	Book              string
	Status            string
	VersionLabel      string
	DateAH            *int
	DateCE            *int
	PeriodTag         string
	Period            string
	Region            []string
	Tags              []string // curated subset of TagsRaw
	TagsRaw           []string
	LocalPath         string
	EdInfo            string
	SourceID          string
}

// AuthorNameLat returns the Latin author name, falling back to the shuhra.
func (m *Metadata) AuthorNameLat() string {
	if m.AuthorLat != "" {
		return m.AuthorLat
	}
	return m.AuthorLatShuhra
}

// MetadataIndex resolves metadata by repo-relative path or by version URI.
type MetadataIndex struct {
	byPath    map[string]*Metadata
	byVersion map[string]*Metadata
}

// NewMetadataIndex returns an empty index.
func NewMetadataIndex() *MetadataIndex {
	return &MetadataIndex{
		byPath:    make(map[string]*Metadata),
		byVersion: make(map[string]*Metadata),
	}
}

// Add registers m under its local path and version URI. Empty keys are ignored.
func (idx *MetadataIndex) Add(localPath, versionURI string, m *Metadata) {
	if p := NormalizeRepoPath(localPath); p != "" {
		idx.byPath[p] = m
	}
	if v := strings.TrimSpace(versionURI); v != "" {
		idx.byVersion[v] = m
	}
}

// Lookup finds metadata by repo path first, then by version file stem.
func (idx *MetadataIndex) Lookup(repoPath, versionStem string) (*Metadata, bool) {
	if idx == nil {
		return nil, false
	}
	if m, ok := idx.byPath[NormalizeRepoPath(repoPath)]; ok {
		return m, true
	}
	if m, ok := idx.byPath[strings.TrimPrefix(NormalizeRepoPath(repoPath), "data/")]; ok {
		return m, true
	}
	m, ok := idx.byVersion[versionStem]
	return m, ok
}

// ForDocument looks up the metadata of a discovered document.
func (idx *MetadataIndex) ForDocument(doc types.DiscoveredDocument) (*Metadata, bool) {
	return idx.Lookup(doc.RepoPath, versionStem(doc.RepoPath))
}

// Len returns the number of path-keyed entries.
func (idx *MetadataIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.byPath)
}

// Paths returns the path keys in sorted order.
func (idx *MetadataIndex) Paths() []string {
	if idx == nil {
		return nil
	}
	paths := make([]string, 0, len(idx.byPath))
	for p := range idx.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// NormalizeRepoPath converts separators to '/', strips leading "../" runs and
// a leading "./".
func NormalizeRepoPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	for strings.HasPrefix(p, "../") {
		p = p[3:]
	}
	return strings.TrimPrefix(p, "./")
}

// LoadCuratedTags reads one tag per line. A missing file yields an empty set.
func LoadCuratedTags(path string) (map[string]struct{}, error) {
	tags := make(map[string]struct{})
	if path == "" {
		return tags, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return tags, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open curated tags: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if t := strings.TrimSpace(scanner.Text()); t != "" {
			tags[t] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read curated tags: %w", err)
	}
	return tags, nil
}

// LoadMetadata reads file (relative to root unless absolute). It returns
// os.ErrNotExist wrapped when the file is absent so callers can fall back to
// a filesystem walk.
func LoadMetadata(root, file string, curated map[string]struct{}) (*MetadataIndex, error) {
	if file == "" {
		file = DefaultMetadataFile
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(root, file)
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseMetadata(f, curated)
}

// ParseMetadata parses tab-separated metadata with a header row.
func ParseMetadata(r io.Reader, curated map[string]struct{}) (*MetadataIndex, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return NewMetadataIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	idx := NewMetadataIndex()
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata row: %w", err)
		}

		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		m := metadataFromRow(get, curated)
		idx.Add(m.LocalPath, get("version_uri"), m)
	}
	return idx, nil
}

func metadataFromRow(get func(string) string, curated map[string]struct{}) *Metadata {
	var tagsRaw []string
	for _, t := range strings.Split(get("tags"), tagSeparator) {
		if t = strings.TrimSpace(t); t != "" {
			tagsRaw = append(tagsRaw, t)
		}
	}

	periodTag, period := extractPeriod(tagsRaw)
	status := get("status")

	m := &Metadata{
		AuthorAr:          get("author_ar"),
		AuthorLat:         get("author_lat"),
		AuthorLatShuhra:   get("author_lat_shuhra"),
		AuthorLatFullName: get("author_lat_full_name"),
		WorkTitleAr:       get("title_ar"),
		WorkTitleLat:      get("title_lat"),
		Book:              get("book"),
		Status:            status,
		VersionLabel:      VersionLabel(status),
		PeriodTag:         periodTag,
		Period:            period,
		Region:            extractRegion(tagsRaw),
		Tags:              filterCurated(tagsRaw, curated),
		TagsRaw:           tagsRaw,
		LocalPath:         NormalizeRepoPath(get("local_path")),
		EdInfo:            get("ed_info"),
		SourceID:          get("id"),
	}
	if ah, err := strconv.Atoi(get("date")); err == nil {
		ce := AHToCE(ah)
		m.DateAH = &ah
		m.DateCE = &ce
	}
	return m
}

// AHToCE approximates a Common Era year from a Hijri year.
func AHToCE(ah int) int {
	return int(math.Round(float64(ah)*0.97023 + 621.57))
}

// VersionLabel maps a metadata status to its display label.
func VersionLabel(status string) string {
	switch status {
	case "":
		return ""
	case "pri":
		return "PRI"
	case "sec":
		return "ALT"
	}
	return strings.ToUpper(status)
}

func extractPeriod(tags []string) (string, string) {
	const prefix = "GAL@period-"
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) {
			label := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(t, prefix), "-", " "))
			return t, label
		}
	}
	return "", ""
}

func extractRegion(tags []string) []string {
	for _, prefix := range regionPrefixes {
		seen := make(map[string]struct{})
		for _, t := range tags {
			if !strings.HasPrefix(t, prefix) || !strings.HasSuffix(t, "_RE") {
				continue
			}
			if len(t) < len(prefix)+3 {
				continue
			}
			if v := strings.TrimSpace(t[len(prefix) : len(t)-3]); v != "" {
				seen[v] = struct{}{}
			}
		}
		if len(seen) > 0 {
			vals := make([]string, 0, len(seen))
			for v := range seen {
				vals = append(vals, v)
			}
			sort.Strings(vals)
			return vals
		}
	}
	return nil
}

func filterCurated(tags []string, curated map[string]struct{}) []string {
	if len(curated) == 0 {
		return nil
	}
	var out []string
	for _, t := range tags {
		if _, ok := curated[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
