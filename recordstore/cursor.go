package recordstore

import (
	importerrors "github.com/tamirms/batchimport/errors"
)

const noPage = int64(-1)

// PageCursor grants positioned read access to the pages of a Store.
// A cursor pins at most one page; it must be closed on every exit path.
type PageCursor interface {
	// Next pins pageID, releasing the previously pinned page. It returns
	// false if pageID is beyond the last page.
	Next(pageID int64) (bool, error)
	// CurrentPageID returns the pinned page, or -1 if none is pinned.
	CurrentPageID() int64
	// Close releases the pinned page. Closing twice is a no-op.
	Close() error
}

type pageCursor struct {
	store    *Store
	prefetch bool

	pageID     int64
	page       []byte
	prefetched int64 // highest page already handed to readAhead
	closed     bool
}

func (c *pageCursor) Next(pageID int64) (bool, error) {
	if c.closed {
		return false, importerrors.ErrCursorClosed
	}
	if c.store.closed.Load() {
		return false, importerrors.ErrStoreClosed
	}
	if pageID == c.pageID {
		return true, nil
	}
	if pageID < 0 || pageID >= c.store.numPages {
		return false, nil
	}

	c.unpin()
	c.pageID = pageID
	c.page = c.store.page(pageID)
	c.store.pinnedPages.Add(1)

	if c.prefetch && pageID >= c.prefetched {
		horizon := pageID + c.store.prefetchWindow
		c.store.readAhead(pageID+1, horizon+1)
		c.prefetched = horizon
	}
	return true, nil
}

func (c *pageCursor) CurrentPageID() int64 {
	return c.pageID
}

func (c *pageCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.unpin()
	c.store.openCursors.Add(-1)
	return nil
}

func (c *pageCursor) unpin() {
	if c.pageID == noPage {
		return
	}
	c.pageID = noPage
	c.page = nil
	c.store.pinnedPages.Add(-1)
}
