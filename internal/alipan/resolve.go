package alipan

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/breadfs/breadfs/internal/ratelimit"
	"github.com/breadfs/breadfs/internal/storage"
)

const listPageSize = 200

// listAll returns every child of parentID in server order, following
// next_marker until the listing is exhausted.
func (p *Provider) listAll(ctx context.Context, driveID, parentID string) ([]fileItem, error) {
	var items []fileItem

	marker := ""

	for {
		req := listRequest{
			DriveID:        driveID,
			ParentFileID:   parentID,
			Limit:          listPageSize,
			Marker:         marker,
			OrderBy:        string(p.opts.OrderBy),
			OrderDirection: string(p.opts.OrderDirection),
		}

		var page listResponse
		if err := p.call(ctx, ratelimit.ClassList, endpointList, req, &page); err != nil {
			return nil, err
		}

		items = append(items, page.Items...)

		if page.NextMarker == "" {
			return items, nil
		}

		marker = page.NextMarker
	}
}

// rootItem is the synthetic item for "/".
func (p *Provider) rootItem(driveID string) *fileItem {
	return &fileItem{
		DriveID: driveID,
		FileID:  p.opts.RootFolderID,
		Name:    "root",
		Type:    itemTypeFolder,
	}
}

// resolve walks path one segment at a time from the root folder. Names are
// compared in NFC so decomposed and precomposed spellings match. Nothing is
// cached: every call observes the current remote tree.
func (p *Provider) resolve(ctx context.Context, driveID, path string) (*fileItem, error) {
	cur := p.rootItem(driveID)

	for _, seg := range storage.SplitPath(path) {
		if !cur.isFolder() {
			return nil, storage.ErrNotFound
		}

		children, err := p.listAll(ctx, driveID, cur.FileID)
		if err != nil {
			return nil, err
		}

		next := findChild(children, seg)
		if next == nil {
			return nil, storage.ErrNotFound
		}

		cur = next
	}

	return cur, nil
}

// findChild returns the first child whose display name matches name.
func findChild(children []fileItem, name string) *fileItem {
	want := norm.NFC.String(name)

	for i := range children {
		if norm.NFC.String(children[i].displayName()) == want {
			return &children[i]
		}
	}

	return nil
}

// resolveFolder resolves path and requires it to be a folder.
func (p *Provider) resolveFolder(ctx context.Context, driveID, path string) (*fileItem, error) {
	it, err := p.resolve(ctx, driveID, path)
	if err != nil {
		return nil, err
	}

	if !it.isFolder() {
		return nil, storage.ErrNotDirectory
	}

	return it, nil
}
