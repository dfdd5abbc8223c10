package ingest

import (
	"github.com/dshills/openiti-search/internal/discovery"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/storage"
	"github.com/dshills/openiti-search/internal/vector"
	"github.com/dshills/openiti-search/pkg/types"
)

// catalogRecords builds the author, work and version rows for doc. Fields
// absent from meta stay nil so that upserts keep what is already stored.
func catalogRecords(doc types.DiscoveredDocument, meta *discovery.Metadata) (*storage.Author, *storage.Work, *storage.Version) {
	author := &storage.Author{AuthorID: doc.AuthorID, Metadata: storage.Metadata{}}
	work := &storage.Work{WorkID: doc.WorkID, AuthorID: doc.AuthorID, Metadata: storage.Metadata{}}
	version := &storage.Version{
		VersionID: doc.VersionID,
		WorkID:    doc.WorkID,
		IsPri:     doc.IsPrimary,
		Lang:      doc.Lang,
		RepoPath:  doc.RepoPath,
		Metadata:  storage.Metadata{},
	}
	if meta == nil {
		return author, work, version
	}

	author.NameAr = optional(meta.AuthorAr)
	author.NameLatn = optional(meta.AuthorNameLat())
	putString(author.Metadata, "author_lat_shuhra", meta.AuthorLatShuhra)
	putString(author.Metadata, "author_lat_full_name", meta.AuthorLatFullName)

	work.TitleAr = optional(meta.WorkTitleAr)
	work.TitleLatn = optional(meta.WorkTitleLat)
	putString(work.Metadata, "book", meta.Book)

	vm := version.Metadata
	if meta.DateAH != nil {
		vm["date_ah"] = *meta.DateAH
	}
	if meta.DateCE != nil {
		vm["date_ce"] = *meta.DateCE
	}
	putString(vm, "period_tag", meta.PeriodTag)
	putString(vm, "period", meta.Period)
	putStrings(vm, "region", meta.Region)
	putStrings(vm, "tags", meta.Tags)
	putString(vm, "status", meta.Status)
	putString(vm, "version_label", meta.VersionLabel)
	putString(vm, "local_path", meta.LocalPath)
	putString(vm, "ed_info", meta.EdInfo)
	putString(vm, "source_id", meta.SourceID)
	return author, work, version
}

// lexicalDocument is the index document of one chunk with the display and
// facet fields of its version.
func lexicalDocument(doc types.DiscoveredDocument, chunk types.Chunk, meta *discovery.Metadata) lexical.Document {
	d := lexical.Document{
		ChunkID:   chunk.ChunkID,
		WorkID:    doc.WorkID,
		VersionID: doc.VersionID,
		AuthorID:  doc.AuthorID,
		Lang:      doc.Lang,
		IsPri:     doc.IsPrimary,
		Content:   chunk.TextNorm,
		Region:    []string{},
		Tags:      []string{},
		Type:      lexical.DocumentType,
	}
	if meta == nil {
		return d
	}
	d.AuthorNameAr = meta.AuthorAr
	d.AuthorNameLat = meta.AuthorNameLat()
	d.WorkTitleAr = meta.WorkTitleAr
	d.WorkTitleLat = meta.WorkTitleLat
	d.DateAH = meta.DateAH
	d.DateCE = meta.DateCE
	d.Period = meta.Period
	d.PeriodTag = meta.PeriodTag
	if meta.Region != nil {
		d.Region = meta.Region
	}
	if meta.Tags != nil {
		d.Tags = meta.Tags
	}
	d.VersionLabel = meta.VersionLabel
	return d
}

// vectorPayload mirrors the lexical filter fields so both retrievers accept
// the same predicate.
func vectorPayload(doc types.DiscoveredDocument, chunk types.Chunk, meta *discovery.Metadata) vector.Payload {
	p := vector.Payload{
		ChunkID:    chunk.ChunkID,
		WorkID:     doc.WorkID,
		VersionID:  doc.VersionID,
		AuthorID:   doc.AuthorID,
		Lang:       doc.Lang,
		IsPri:      doc.IsPrimary,
		ChunkIndex: chunk.Index,
	}
	if meta != nil {
		p.Period = meta.Period
		p.Region = meta.Region
		p.Tags = meta.Tags
		p.VersionLabel = meta.VersionLabel
	}
	return p
}

func chunkRecord(c types.Chunk) *storage.ChunkRecord {
	return &storage.ChunkRecord{
		ChunkID:     c.ChunkID,
		VersionID:   c.VersionID,
		WorkID:      c.WorkID,
		AuthorID:    c.AuthorID,
		ChunkIndex:  c.Index,
		HeadingText: optional(c.HeadingText),
		HeadingPath: c.HeadingPath,
		TextRaw:     c.TextRaw,
		TextNorm:    c.TextNorm,
		WordCount:   c.WordCount,
		Metadata:    storage.Metadata{},
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func putString(m storage.Metadata, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putStrings(m storage.Metadata, key string, values []string) {
	if len(values) == 0 {
		return
	}
	items := make([]interface{}, len(values))
	for i, v := range values {
		items[i] = v
	}
	m[key] = items
}
