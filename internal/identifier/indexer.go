package identifier

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/dshills/keycomplete/internal/buffer"
	"github.com/dshills/keycomplete/internal/logging"
)

// Indexer keeps a Database in step with buffer contents.
type Indexer struct {
	db        *Database
	extractor *Extractor
	log       commonlog.Logger
}

// NewIndexer creates an indexer storing into db.
func NewIndexer(db *Database, extractor *Extractor) *Indexer {
	return &Indexer{db: db, extractor: extractor, log: logging.Get("identifier")}
}

// Index replaces the identifiers stored for buf's path.
func (ix *Indexer) Index(ctx context.Context, buf buffer.Buffer) {
	var (
		ids []string
		err error
	)
	if ix.extractor != nil {
		ids, err = ix.extractor.Extract(ctx, buf.Filetype, buf.Contents)
	}
	if ix.extractor == nil || err != nil {
		if err != nil {
			ix.log.Warningf("extracting identifiers from %s: %v", buf.Path, err)
		}
		ids = Lexical(buf.Contents)
	}
	ix.db.SetIdentifiers(buf.Filetype, buf.Path, ids)
	ix.log.Debugf("indexed %d identifiers from %s@%d", len(ids), buf.Path, buf.Version)
}

// Listener returns a buffer.ChangeListener that indexes every change.
func (ix *Indexer) Listener() buffer.ChangeListener {
	return func(buf buffer.Buffer) {
		ix.Index(context.Background(), buf)
	}
}

// Forget drops the identifiers stored for path.
func (ix *Indexer) Forget(filetype, path string) {
	ix.db.ClearForFile(filetype, path)
}
