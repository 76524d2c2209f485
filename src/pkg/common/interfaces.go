package common

// PageStore is positional fixed-size page I/O over one backing file. It does
// no caching and no concurrency control beyond keeping AllocatePage atomic.
type PageStore interface {
	PageSize() int
	// ReadPage fills dst with the page image. Pages past the end of the file
	// read as zeroes.
	ReadPage(pageID PageID, dst []byte) error
	WritePage(pageID PageID, data []byte) error
	NumPages() (uint64, error)
	// AllocatePage materialises an empty page at the end of the file.
	AllocatePage() (PageID, error)
	Sync() error
}

// Catalog resolves a table id to the store holding its pages.
type Catalog interface {
	ResolveStore(fileID FileID) (PageStore, error)
}

// RecoveryLog is the write-ahead log contract: AppendUpdate buffers an
// undo/redo record, Flush makes every appended record durable.
type RecoveryLog interface {
	AppendUpdate(
		txnID TxnID,
		pageIdent PageIdentity,
		before []byte,
		after []byte,
	) (LSN, error)
	Flush() error
}
