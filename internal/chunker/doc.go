// Package chunker divides normalized corpus text into fixed-size word windows
// for indexing and embedding.
//
// # Basic Usage
//
//	c, err := chunker.New(300, 50)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := c.ChunkDocument(doc, raw, normalizer.Normalize(raw))
//	for _, chunk := range chunks {
//	    fmt.Printf("%s: %d words\n", chunk.ChunkID, chunk.WordCount)
//	}
//
// # Windowing
//
// Windows start at word 0 and advance by step = target-overlap. The last
// window is the first one that reaches the end of the text, so for N words:
//
//	N == 0      -> 0 windows
//	N <= target -> 1 window
//	otherwise   -> ceil((N-target)/step) + 1 windows
//
// With zero overlap, concatenating the windows reproduces the word sequence.
//
// # Identifiers
//
// Chunk IDs are "{version_id}::{index}" with index contiguous from 0, so a
// rerun over the same text overwrites the same rows and documents.
//
// # Headings
//
// HeadingContext scans the raw text for the last heading-like line (leading
// '#' or an embedded "### " marker) and strips the leading hashes. It runs
// once per document and every chunk of that document shares the result.
package chunker
