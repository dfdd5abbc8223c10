package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/openiti-search/pkg/types"
)

const (
	// headSize is how many leading bytes are inspected to recognise corpus text files
	headSize = 4096

	dataDir = "data"
)

var skipExtensions = map[string]struct{}{
	".jpg": {}, ".png": {}, ".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".sqlite": {}, ".db": {},
}

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".completed": {}, ".inprogress": {},
}

// langSuffix matches the language code OpenITI appends to version stems, e.g. "-ara1".
var langSuffix = regexp.MustCompile(`-(ara|fas|per|ota)\d*$`)

// ErrNoDataDir is returned when the corpus root has no data/ directory to walk.
var ErrNoDataDir = errors.New("corpus root has no data directory")

// Options controls document selection.
type Options struct {
	Target  int      // maximum number of documents returned
	OnlyPri bool     // keep only works with a primary candidate
	Langs   []string // accepted language codes; empty means ara only
}

// Discoverer selects one canonical version file per work under a corpus root.
type Discoverer struct {
	root   string
	opts   Options
	logger *zap.Logger
}

// New creates a Discoverer for root.
func New(root string, opts Options, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Langs) == 0 {
		opts.Langs = []string{types.LangArabic}
	}
	return &Discoverer{root: root, opts: opts, logger: logger}
}

type candidate struct {
	absPath  string
	repoPath string // slash separated, relative to root, starts with data/
	workKey  string
	score    int
	status   string
}

// Discover returns the selected documents sorted by repo path. When index is
// non-empty it drives selection; if that yields nothing the data/ tree is
// walked instead.
func (d *Discoverer) Discover(ctx context.Context, index *MetadataIndex) ([]types.DiscoveredDocument, error) {
	if d.opts.Target <= 0 {
		return nil, nil
	}

	if index.Len() > 0 {
		docs, err := d.fromMetadata(ctx, index)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			d.logger.Info("discovery used metadata index", zap.Int("documents", len(docs)))
			return docs, nil
		}
	}

	docs, err := d.fromFilesystem(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Info("discovery walked filesystem", zap.Int("documents", len(docs)))
	return docs, nil
}

func (d *Discoverer) fromMetadata(ctx context.Context, index *MetadataIndex) ([]types.DiscoveredDocument, error) {
	best := make(map[string]candidate)
	var all []candidate

	for _, localPath := range index.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta := index.byPath[localPath]

		rel := localPath
		if !strings.HasPrefix(rel, dataDir+"/") {
			rel = dataDir + "/" + rel
		}
		abs := filepath.Join(d.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		parts := strings.Split(strings.TrimPrefix(rel, dataDir+"/"), "/")
		if len(parts) < 3 {
			continue
		}

		status := strings.ToLower(meta.Status)
		c := candidate{
			absPath:  abs,
			repoPath: rel,
			workKey:  parts[0] + "/" + parts[1],
			score:    PriScore(path.Base(rel), status),
			status:   status,
		}

		if d.opts.OnlyPri {
			if c.score <= 0 {
				continue
			}
			keepBest(best, c)
		} else {
			all = append(all, c)
		}
	}

	selected := all
	if d.opts.OnlyPri {
		selected = values(best)
	}
	return d.toDocuments(selected, d.opts.OnlyPri), nil
}

func (d *Discoverer) fromFilesystem(ctx context.Context) ([]types.DiscoveredDocument, error) {
	root := filepath.Join(d.root, dataDir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoDataDir, root)
	}

	var files []candidate
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if p != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		if _, skip := skipExtensions[strings.ToLower(filepath.Ext(p))]; skip {
			return nil
		}

		ok, err := looksLikeCorpusText(p)
		if err != nil || !ok {
			return nil
		}

		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		authorID, workID, _ := InferIDs(rel)
		files = append(files, candidate{
			absPath:  p,
			repoPath: rel,
			workKey:  authorID + "/" + workID,
			score:    PriScore(entry.Name(), ""),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk corpus: %w", err)
	}

	if !d.opts.OnlyPri {
		return d.toDocuments(files, false), nil
	}

	// Prefer works with a primary-marked file, then fill up with the best
	// unmarked candidate of the remaining works.
	best := make(map[string]candidate)
	for _, c := range files {
		keepBest(best, c)
	}
	var marked, unmarked []candidate
	for _, c := range values(best) {
		if c.score > 0 {
			marked = append(marked, c)
		} else {
			unmarked = append(unmarked, c)
		}
	}
	if len(marked) < d.opts.Target {
		sort.Slice(unmarked, func(i, j int) bool { return unmarked[i].repoPath < unmarked[j].repoPath })
		marked = append(marked, unmarked[:min(len(unmarked), d.opts.Target-len(marked))]...)
	}
	return d.toDocuments(marked, true), nil
}

// toDocuments sorts candidates by repo path, applies the language filter and
// caps the result at the target.
func (d *Discoverer) toDocuments(cands []candidate, assumePrimary bool) []types.DiscoveredDocument {
	sort.Slice(cands, func(i, j int) bool { return cands[i].repoPath < cands[j].repoPath })

	docs := make([]types.DiscoveredDocument, 0, min(len(cands), d.opts.Target))
	for _, c := range cands {
		if len(docs) >= d.opts.Target {
			break
		}
		authorID, workID, versionID := InferIDs(c.repoPath)
		lang := InferLang(versionStem(c.repoPath))
		if !d.acceptsLang(lang) {
			continue
		}
		isPri := c.status == "pri" || strings.Contains(strings.ToLower(path.Base(c.repoPath)), "pri") || assumePrimary
		docs = append(docs, types.DiscoveredDocument{
			AuthorID:  authorID,
			WorkID:    workID,
			VersionID: versionID,
			Path:      c.absPath,
			RepoPath:  c.repoPath,
			IsPrimary: isPri,
			Lang:      lang,
		})
	}
	return docs
}

func (d *Discoverer) acceptsLang(lang string) bool {
	for _, l := range d.opts.Langs {
		if l == lang {
			return true
		}
	}
	return false
}

// keepBest stores c if it beats the current best of its work: higher score,
// then smaller repo path.
func keepBest(best map[string]candidate, c candidate) {
	prev, ok := best[c.workKey]
	if !ok || c.score > prev.score || (c.score == prev.score && c.repoPath < prev.repoPath) {
		best[c.workKey] = c
	}
}

func values(m map[string]candidate) []candidate {
	out := make([]candidate, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// PriScore rates how likely a version file is the primary one:
// +2 for metadata status "pri", +1 for "pri" in the file name.
func PriScore(fileName, status string) int {
	score := 0
	if strings.EqualFold(status, "pri") {
		score += 2
	}
	if strings.Contains(strings.ToLower(fileName), "pri") {
		score++
	}
	return score
}

// InferIDs derives author, work and version IDs from a repo path of the form
// data/<author>/<work>/<version file>. Shallower paths get stable placeholder IDs.
func InferIDs(repoPath string) (authorID, workID, versionID string) {
	rel := strings.TrimPrefix(NormalizeRepoPath(repoPath), dataDir+"/")
	parts := strings.Split(rel, "/")
	stem := versionStem(repoPath)

	if len(parts) < 3 {
		workID = "unknown_work::" + stem
		return "unknown_author", workID, workID + "::" + stem
	}
	authorID = parts[0]
	workID = parts[0] + "." + parts[1]
	return authorID, workID, workID + "." + stem
}

// InferLang reads the language code from a version stem suffix such as
// "-ara1" or "-per1". Stems without one are Arabic.
func InferLang(stem string) string {
	m := langSuffix.FindStringSubmatch(stem)
	if m == nil {
		return types.LangArabic
	}
	if m[1] == "per" {
		return types.LangPersian
	}
	return m[1]
}

// versionStem strips a known text extension from the file name. OpenITI
// version files are usually extensionless URIs whose dots are significant.
func versionStem(repoPath string) string {
	base := path.Base(NormalizeRepoPath(repoPath))
	ext := path.Ext(base)
	if _, ok := textExtensions[strings.ToLower(ext)]; ok {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

func looksLikeCorpusText(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, headSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	head := string(buf[:n])
	return strings.Contains(head, "OpenITI") || strings.Contains(head, "######"), nil
}
