package ingest

import (
	"fmt"

	"github.com/dshills/openiti-search/internal/storage"
)

// stageRank orders the non-terminal pipeline stages.
var stageRank = map[storage.IngestStatus]int{
	storage.StatusDiscovered:     0,
	storage.StatusParsed:         1,
	storage.StatusIndexedLexical: 2,
	storage.StatusIndexedVector:  3,
	storage.StatusComplete:       4,
}

// progress tracks one document through the state machine within a run.
// Batches repeat the lexical and vector stages, so positions are ordered by
// (last chunk index, stage): a later batch at indexed_lexical is ahead of an
// earlier batch at indexed_vector. failed is reachable from any
// non-terminal position and complete and failed are terminal.
type progress struct {
	status    storage.IngestStatus
	lastChunk int // -1 until a batch is written
}

func newProgress() *progress {
	return &progress{status: storage.StatusDiscovered, lastChunk: -1}
}

// advance moves to status at lastChunk, refusing any backward move.
func (p *progress) advance(status storage.IngestStatus, lastChunk int) error {
	if p.terminal() {
		return fmt.Errorf("document already %s, cannot move to %s", p.status, status)
	}
	if status == storage.StatusFailed {
		p.status = status
		return nil
	}
	to, ok := stageRank[status]
	if !ok {
		return fmt.Errorf("unknown ingest status %q", status)
	}
	from := stageRank[p.status]
	forward := lastChunk > p.lastChunk || (lastChunk == p.lastChunk && to > from)
	if !forward {
		return fmt.Errorf("ingest state cannot move from %s@%d to %s@%d", p.status, p.lastChunk, status, lastChunk)
	}
	p.status = status
	p.lastChunk = lastChunk
	return nil
}

func (p *progress) terminal() bool {
	return p.status == storage.StatusComplete || p.status == storage.StatusFailed
}
