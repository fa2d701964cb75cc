package alipan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/breadfs/breadfs/internal/ratelimit"
	"github.com/breadfs/breadfs/internal/storage"
)

// Name is the provider name reported to the storage layer.
const Name = "alipan"

// DriveType selects which of the account's drives is used.
type DriveType string

// Drive types.
const (
	DriveDefault  DriveType = "default"
	DriveResource DriveType = "resource"
	DriveBackup   DriveType = "backup"
)

// OrderBy is the listing sort key.
type OrderBy string

// Sort keys.
const (
	OrderByName      OrderBy = "name"
	OrderBySize      OrderBy = "size"
	OrderByUpdatedAt OrderBy = "updated_at"
	OrderByCreatedAt OrderBy = "created_at"
)

// OrderDirection is the listing sort direction.
type OrderDirection string

// Sort directions.
const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// RemoveMethod selects between the recycle bin and permanent deletion.
type RemoveMethod string

// Remove methods.
const (
	RemoveTrash  RemoveMethod = "trash"
	RemoveDelete RemoveMethod = "delete"
)

// LivpFormat selects the Live Photo stream to download.
type LivpFormat string

// Live Photo formats.
const (
	LivpJPEG LivpFormat = "jpeg"
	LivpMOV  LivpFormat = "mov"
)

// Defaults.
const (
	DefaultAPIURL       = "https://openapi.alipan.com"
	DefaultOnlineAPIURL = "https://api.oplist.org/alicloud/renewapi"
	DefaultRootFolderID = "root"
)

// Options configures a Provider. Only RefreshToken is required; local
// refresh additionally needs ClientID and ClientSecret.
type Options struct {
	APIURL         string
	DriveType      DriveType
	RootFolderID   string
	OrderBy        OrderBy
	OrderDirection OrderDirection
	RemoveMethod   RemoveMethod
	RapidUpload    bool
	InternalUpload bool
	LivpFormat     LivpFormat

	// RefreshMode defaults to local when client credentials are set and
	// online otherwise.
	RefreshMode  RefreshMode
	RefreshToken string
	AccessToken  string
	ClientID     string
	ClientSecret string
	OnlineAPIURL string
	OnlineType   OnlineType

	// OnTokenChange is called after every successful rotation, typically to
	// persist the new pair.
	OnTokenChange func(*oauth2.Token)

	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.APIURL == "" {
		o.APIURL = DefaultAPIURL
	}

	if o.DriveType == "" {
		o.DriveType = DriveDefault
	}

	if o.RootFolderID == "" {
		o.RootFolderID = DefaultRootFolderID
	}

	if o.RemoveMethod == "" {
		o.RemoveMethod = RemoveTrash
	}

	if o.LivpFormat == "" {
		o.LivpFormat = LivpJPEG
	}

	if o.OnlineAPIURL == "" {
		o.OnlineAPIURL = DefaultOnlineAPIURL
	}

	if o.OnlineType == "" {
		o.OnlineType = OnlineDefault
	}

	if o.RefreshMode == "" {
		o.RefreshMode = RefreshOnline
		if o.ClientID != "" && o.ClientSecret != "" {
			o.RefreshMode = RefreshLocal
		}
	}

	return o
}

// validate collects every problem so a misconfigured backend is reported
// in one pass.
func (o Options) validate() error {
	var errs []error

	if o.RefreshToken == "" {
		errs = append(errs, errors.New("refresh token is required"))
	}

	switch o.RefreshMode {
	case RefreshLocal:
		if o.ClientID == "" || o.ClientSecret == "" {
			errs = append(errs, errors.New("local refresh requires client id and client secret"))
		}
	case RefreshOnline:
	default:
		errs = append(errs, fmt.Errorf("unknown refresh mode %q", o.RefreshMode))
	}

	switch o.DriveType {
	case DriveDefault, DriveResource, DriveBackup:
	default:
		errs = append(errs, fmt.Errorf("unknown drive type %q", o.DriveType))
	}

	switch o.OrderBy {
	case "", OrderByName, OrderBySize, OrderByUpdatedAt, OrderByCreatedAt:
	default:
		errs = append(errs, fmt.Errorf("unknown order_by %q", o.OrderBy))
	}

	switch o.OrderDirection {
	case "", OrderAsc, OrderDesc:
	default:
		errs = append(errs, fmt.Errorf("unknown order_direction %q", o.OrderDirection))
	}

	switch o.RemoveMethod {
	case RemoveTrash, RemoveDelete:
	default:
		errs = append(errs, fmt.Errorf("unknown remove method %q", o.RemoveMethod))
	}

	switch o.LivpFormat {
	case LivpJPEG, LivpMOV:
	default:
		errs = append(errs, fmt.Errorf("unknown livp format %q", o.LivpFormat))
	}

	switch o.OnlineType {
	case OnlineDefault, OnlineTV:
	default:
		errs = append(errs, fmt.Errorf("unknown online type %q", o.OnlineType))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// Provider is a storage.Provider backed by an Alipan drive. It is safe for
// concurrent use. Call Close to release its rate limiter reference.
type Provider struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
	tokens     *tokenManager
	recorder   Recorder

	registry   *ratelimit.Registry
	limMu      sync.Mutex
	limiter    *ratelimit.Limiter
	accountKey string
	closed     bool

	initFlight singleflight.Group
	stateMu    sync.Mutex
	driveID    string
	userID     string
}

// New validates opts and returns a Provider. Nothing is fetched until the
// first operation. The provider starts on the registry's placeholder limiter
// and moves to the account's shared limiter once the user id is known.
func New(opts Options, registry *ratelimit.Registry, httpClient *http.Client, logger *slog.Logger) (*Provider, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if registry == nil {
		registry = ratelimit.NewRegistry(ratelimit.DefaultIntervals(), nil)
	}

	logger = logger.With(slog.String("backend", Name))

	var source refresher
	if opts.RefreshMode == RefreshLocal {
		source = &localRefresher{
			apiURL:       opts.APIURL,
			clientID:     opts.ClientID,
			clientSecret: opts.ClientSecret,
			httpClient:   httpClient,
		}
	} else {
		source = &onlineRefresher{
			endpoint:   opts.OnlineAPIURL,
			onlineType: opts.OnlineType,
			httpClient: httpClient,
		}
	}

	tok := &oauth2.Token{AccessToken: opts.AccessToken, RefreshToken: opts.RefreshToken}

	p := &Provider{
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
		tokens:     newTokenManager(tok, source, opts.OnTokenChange, logger),
		recorder:   opts.Recorder,
		registry:   registry,
		limiter:    registry.Acquire(ratelimit.UnknownAccount),
		accountKey: ratelimit.UnknownAccount,
	}

	logger.Debug("alipan: provider created",
		slog.String("refresh_mode", string(opts.RefreshMode)),
		slog.String("drive_type", string(opts.DriveType)),
	)

	return p, nil
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements storage.Provider.
func (p *Provider) Capabilities() storage.Capabilities {
	return storage.Capabilities{Copy: p, Move: p, ListStat: p}
}

// Close releases the provider's rate limiter. Further calls are no-ops.
func (p *Provider) Close() error {
	p.limMu.Lock()
	defer p.limMu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	p.registry.Release(p.accountKey)

	return nil
}

// AccountKey returns the key the provider's limiter is registered under: the
// user id once known, the placeholder before.
func (p *Provider) AccountKey() string {
	p.limMu.Lock()
	defer p.limMu.Unlock()

	return p.accountKey
}

// Token returns the current token pair.
func (p *Provider) Token() *oauth2.Token {
	return p.tokens.current()
}

func (p *Provider) currentLimiter() *ratelimit.Limiter {
	p.limMu.Lock()
	defer p.limMu.Unlock()

	return p.limiter
}

// migrateLimiter moves the provider onto userID's shared limiter.
func (p *Provider) migrateLimiter(userID string) {
	p.limMu.Lock()
	defer p.limMu.Unlock()

	if p.closed || userID == "" || userID == p.accountKey {
		return
	}

	p.limiter = p.registry.Migrate(p.accountKey, userID)
	p.accountKey = userID
}

// ensureReady initializes the provider once: it obtains a token, fetches
// drive info and selects the drive. Concurrent first calls share one
// initialization; a failed one is retried by the next call.
func (p *Provider) ensureReady(ctx context.Context) (string, error) {
	if id := p.readyDrive(); id != "" {
		return id, nil
	}

	ch := p.initFlight.DoChan("init", func() (any, error) {
		if id := p.readyDrive(); id != "" {
			return id, nil
		}

		return p.initialize(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

func (p *Provider) readyDrive() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	return p.driveID
}

func (p *Provider) initialize(ctx context.Context) (string, error) {
	var info driveInfoResponse
	if err := p.call(ctx, ratelimit.ClassOther, endpointDriveInfo, struct{}{}, &info); err != nil {
		return "", fmt.Errorf("alipan: fetching drive info: %w", err)
	}

	driveID := selectDrive(info, p.opts.DriveType)
	if driveID == "" {
		return "", ErrNoDrive
	}

	p.migrateLimiter(info.UserID)

	p.stateMu.Lock()
	p.driveID = driveID
	p.userID = info.UserID
	p.stateMu.Unlock()

	p.logger.Info("alipan: drive selected",
		slog.String("drive_id", driveID),
		slog.String("user_id", info.UserID),
	)

	return driveID, nil
}

// DriveInfo returns the selected drive and user ids, initializing if needed.
func (p *Provider) DriveInfo(ctx context.Context) (driveID, userID string, err error) {
	driveID, err = p.ensureReady(ctx)
	if err != nil {
		return "", "", err
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	return driveID, p.userID, nil
}

// Selected returns the drive and user ids chosen during initialization. Both
// are empty until the first operation has initialized the provider.
func (p *Provider) Selected() (driveID, userID string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	return p.driveID, p.userID
}

// selectDrive prefers the configured drive type, then default, resource and
// backup in that order.
func selectDrive(info driveInfoResponse, want DriveType) string {
	byType := map[DriveType]string{
		DriveDefault:  info.DefaultDriveID,
		DriveResource: info.ResourceDriveID,
		DriveBackup:   info.BackupDriveID,
	}

	for _, t := range []DriveType{want, DriveDefault, DriveResource, DriveBackup} {
		if id := byType[t]; id != "" {
			return id
		}
	}

	return ""
}

// Mkdir implements storage.Provider.
func (p *Provider) Mkdir(ctx context.Context, path string, opts storage.MkdirOptions) error {
	path = storage.CleanPath(path)

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return storage.NewPathError("mkdir", path, err)
	}

	segs := storage.SplitPath(path)
	if len(segs) == 0 {
		if opts.Recursive {
			return nil
		}

		return storage.NewPathError("mkdir", path, storage.ErrAlreadyExists)
	}

	cur := p.rootItem(driveID)

	for i, seg := range segs {
		last := i == len(segs)-1

		children, err := p.listAll(ctx, driveID, cur.FileID)
		if err != nil {
			return storage.NewPathError("mkdir", path, err)
		}

		if existing := findChild(children, seg); existing != nil {
			if !existing.isFolder() {
				return storage.NewPathError("mkdir", path, storage.ErrNotDirectory)
			}

			if last && !opts.Recursive {
				return storage.NewPathError("mkdir", path, storage.ErrAlreadyExists)
			}

			cur = existing

			continue
		}

		if !last && !opts.Recursive {
			return storage.NewPathError("mkdir", path, storage.ErrNotFound)
		}

		created, err := p.createFolder(ctx, driveID, cur.FileID, seg)
		if err != nil {
			return storage.NewPathError("mkdir", path, err)
		}

		cur = created
	}

	return nil
}

func (p *Provider) createFolder(ctx context.Context, driveID, parentID, name string) (*fileItem, error) {
	var out fileItem
	if err := p.call(ctx, ratelimit.ClassOther, endpointCreate, createFolderRequest{
		DriveID:       driveID,
		ParentFileID:  parentID,
		Name:          name,
		Type:          itemTypeFolder,
		CheckNameMode: "refuse",
	}, &out); err != nil {
		return nil, err
	}

	out.Type = itemTypeFolder
	if out.Name == "" && out.FileName == "" {
		out.Name = name
	}

	return &out, nil
}

// OpenReader implements storage.Provider.
func (p *Provider) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	path = storage.CleanPath(path)

	resp, err := p.openDownload(ctx, path)
	if err != nil {
		return nil, storage.NewPathError("open", path, err)
	}

	return &countingBody{
		ReadCloser: resp.Body,
		record:     func(n int64) { p.addTransferBytes(directionDownload, n) },
	}, nil
}

// ReadFile implements storage.Provider. Progress totals come from the
// download's Content-Length and are unknown when the server omits it.
func (p *Provider) ReadFile(ctx context.Context, path string, opts storage.ReadFileOptions) ([]byte, error) {
	path = storage.CleanPath(path)

	resp, err := p.openDownload(ctx, path)
	if err != nil {
		return nil, storage.NewPathError("read", path, err)
	}
	defer resp.Body.Close()

	data, err := readAll(resp.Body, path, resp.ContentLength, opts.OnProgress)
	if err != nil {
		return nil, storage.NewPathError("read", path, err)
	}

	p.addTransferBytes(directionDownload, int64(len(data)))

	return data, nil
}

// WriteFile implements storage.Provider. An existing file is replaced; an
// existing folder is an error.
func (p *Provider) WriteFile(ctx context.Context, path string, data []byte, opts storage.WriteFileOptions) error {
	path = storage.CleanPath(path)

	if err := p.writeFile(ctx, path, data, opts.OnProgress); err != nil {
		return storage.NewPathError("write", path, err)
	}

	return nil
}

func (p *Provider) writeFile(ctx context.Context, path string, data []byte, onProgress storage.ProgressFunc) error {
	if path == "/" {
		return storage.ErrIsDirectory
	}

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}

	parentPath, name := storage.SplitParent(path)

	parent, err := p.resolveFolder(ctx, driveID, parentPath)
	if err != nil {
		return err
	}

	children, err := p.listAll(ctx, driveID, parent.FileID)
	if err != nil {
		return err
	}

	if existing := findChild(children, name); existing != nil {
		if existing.isFolder() {
			return storage.ErrIsDirectory
		}

		if err := p.removeItem(ctx, driveID, existing); err != nil {
			return err
		}
	}

	return p.upload(ctx, driveID, parent.FileID, name, path, data, onProgress)
}

// OpenWriter implements storage.Provider. Uploads need the full payload, so
// the writer buffers everything and uploads on Close.
func (p *Provider) OpenWriter(ctx context.Context, path string, opts storage.WriteStreamOptions) (io.WriteCloser, error) {
	return &bufferedWriter{
		ctx:      ctx,
		provider: p,
		path:     storage.CleanPath(path),
		expected: opts.ContentLength,
	}, nil
}

type bufferedWriter struct {
	ctx      context.Context
	provider *Provider
	path     string
	expected int64
	buf      bytes.Buffer
	done     bool
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, storage.NewPathError("write", w.path, errors.New("write after close"))
	}

	return w.buf.Write(b)
}

// Close uploads the buffered content after checking it against the
// announced length.
func (w *bufferedWriter) Close() error {
	if w.done {
		return nil
	}

	w.done = true

	if w.expected > 0 && int64(w.buf.Len()) != w.expected {
		return storage.NewPathError("write", w.path,
			fmt.Errorf("%w: wrote %d of %d bytes", storage.ErrSizeMismatch, w.buf.Len(), w.expected))
	}

	return w.provider.WriteFile(w.ctx, w.path, w.buf.Bytes(), storage.WriteFileOptions{})
}

// CloseWithError discards the buffer without uploading.
func (w *bufferedWriter) CloseWithError(error) error {
	w.done = true
	w.buf.Reset()

	return nil
}

// Remove implements storage.Provider. Folders are always removed with their
// contents; the API has no non-recursive delete, so NonRecursive is checked
// by listing first.
func (p *Provider) Remove(ctx context.Context, path string, opts storage.RemoveOptions) error {
	path = storage.CleanPath(path)

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return storage.NewPathError("remove", path, err)
	}

	if path == "/" {
		return storage.NewPathError("remove", path, storage.ErrUnsupported)
	}

	it, err := p.resolve(ctx, driveID, path)
	if errors.Is(err, storage.ErrNotFound) && opts.Force() {
		return nil
	}

	if err != nil {
		return storage.NewPathError("remove", path, err)
	}

	if it.isFolder() && !opts.Recursive() {
		children, err := p.listAll(ctx, driveID, it.FileID)
		if err != nil {
			return storage.NewPathError("remove", path, err)
		}

		if len(children) > 0 {
			return storage.NewPathError("remove", path, storage.ErrNotEmpty)
		}
	}

	return storage.NewPathError("remove", path, p.removeItem(ctx, driveID, it))
}

func (p *Provider) removeItem(ctx context.Context, driveID string, it *fileItem) error {
	endpoint := endpointTrash
	if p.opts.RemoveMethod == RemoveDelete {
		endpoint = endpointDelete
	}

	return p.call(ctx, ratelimit.ClassOther, endpoint, fileRef{DriveID: driveID, FileID: it.FileID}, nil)
}

// Stat implements storage.Provider.
func (p *Provider) Stat(ctx context.Context, path string) (*storage.FileStat, error) {
	path = storage.CleanPath(path)

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return nil, storage.NewPathError("stat", path, err)
	}

	it, err := p.resolve(ctx, driveID, path)
	if err != nil {
		return nil, storage.NewPathError("stat", path, err)
	}

	return it.toStat(path), nil
}

// Exists implements storage.Provider.
func (p *Provider) Exists(ctx context.Context, path string) bool {
	_, err := p.Stat(ctx, path)

	return err == nil
}

// List implements storage.Provider.
func (p *Provider) List(ctx context.Context, path string, opts storage.ListOptions) ([]string, error) {
	stats, err := p.ListStat(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(stats))
	for i, st := range stats {
		out[i] = st.Path
	}

	return out, nil
}

// ListStat implements storage.StatLister. Recursive listings are pre-order.
// Entries with an empty name are skipped.
func (p *Provider) ListStat(ctx context.Context, path string, opts storage.ListOptions) ([]*storage.FileStat, error) {
	path = storage.CleanPath(path)

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return nil, storage.NewPathError("list", path, err)
	}

	dir, err := p.resolveFolder(ctx, driveID, path)
	if err != nil {
		return nil, storage.NewPathError("list", path, err)
	}

	var out []*storage.FileStat
	if err := p.walk(ctx, driveID, dir.FileID, path, opts.Recursive, &out); err != nil {
		return nil, storage.NewPathError("list", path, err)
	}

	return out, nil
}

func (p *Provider) walk(ctx context.Context, driveID, folderID, dirPath string, recursive bool, out *[]*storage.FileStat) error {
	children, err := p.listAll(ctx, driveID, folderID)
	if err != nil {
		return err
	}

	for i := range children {
		it := &children[i]

		name := it.displayName()
		if name == "" {
			continue
		}

		childPath := storage.JoinPath(dirPath, name)
		*out = append(*out, it.toStat(childPath))

		if recursive && it.isFolder() {
			if err := p.walk(ctx, driveID, it.FileID, childPath, true, out); err != nil {
				return err
			}
		}
	}

	return nil
}

// Copy implements storage.Copier using server-side copies.
func (p *Provider) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, false)
}

// Move implements storage.Mover using server-side moves.
func (p *Provider) Move(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, true)
}

func (p *Provider) transfer(ctx context.Context, src, dst string, overwrite, move bool) error {
	if src == dst {
		return nil
	}

	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}

	srcItem, err := p.resolve(ctx, driveID, src)
	if err != nil {
		return storage.NewPathError("stat", src, err)
	}

	dstItem, err := p.resolve(ctx, driveID, dst)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.NewPathError("stat", dst, err)
	}

	if !srcItem.isFolder() {
		if dstItem != nil && dstItem.isFolder() {
			return storage.NewPathError("copy", dst, storage.ErrIsDirectory)
		}

		if move {
			return p.moveFile(ctx, driveID, srcItem, dst, dstItem, overwrite)
		}

		return p.copyFile(ctx, driveID, srcItem, dst, dstItem, overwrite)
	}

	if dstItem != nil && !dstItem.isFolder() {
		return storage.NewPathError("copy", dst, storage.ErrNotDirectory)
	}

	if dstItem == nil {
		if err := p.Mkdir(ctx, dst, storage.MkdirOptions{Recursive: true}); err != nil {
			return err
		}
	}

	children, err := p.listAll(ctx, driveID, srcItem.FileID)
	if err != nil {
		return storage.NewPathError("list", src, err)
	}

	for i := range children {
		name := children[i].displayName()
		if name == "" {
			continue
		}

		if err := p.transfer(ctx, storage.JoinPath(src, name), storage.JoinPath(dst, name), overwrite, move); err != nil {
			return err
		}
	}

	if move {
		return p.Remove(ctx, src, storage.RemoveOptions{})
	}

	return nil
}

// prepareTarget resolves dst's parent folder and clears an existing
// destination when overwriting.
func (p *Provider) prepareTarget(ctx context.Context, driveID, dst string, dstItem *fileItem, overwrite bool) (*fileItem, string, error) {
	parentPath, name := storage.SplitParent(dst)

	parent, err := p.resolveFolder(ctx, driveID, parentPath)
	if err != nil {
		return nil, "", storage.NewPathError("stat", parentPath, err)
	}

	if dstItem != nil {
		if !overwrite {
			return nil, "", storage.NewPathError("copy", dst, storage.ErrAlreadyExists)
		}

		if err := p.removeItem(ctx, driveID, dstItem); err != nil {
			return nil, "", storage.NewPathError("remove", dst, err)
		}
	}

	return parent, name, nil
}

func (p *Provider) copyFile(ctx context.Context, driveID string, src *fileItem, dst string, dstItem *fileItem, overwrite bool) error {
	parent, name, err := p.prepareTarget(ctx, driveID, dst, dstItem, overwrite)
	if err != nil {
		return err
	}

	var out copyResponse
	if err := p.call(ctx, ratelimit.ClassOther, endpointCopy, copyRequest{
		DriveID:        driveID,
		FileID:         src.FileID,
		ToParentFileID: parent.FileID,
		AutoRename:     false,
	}, &out); err != nil {
		return storage.NewPathError("copy", dst, err)
	}

	if name != src.displayName() && out.FileID != "" {
		if err := p.call(ctx, ratelimit.ClassOther, endpointUpdate, updateRequest{
			DriveID: driveID,
			FileID:  out.FileID,
			Name:    name,
		}, nil); err != nil {
			return storage.NewPathError("rename", dst, err)
		}
	}

	return nil
}

func (p *Provider) moveFile(ctx context.Context, driveID string, src *fileItem, dst string, dstItem *fileItem, overwrite bool) error {
	if dstItem != nil && dstItem.FileID == src.FileID {
		return nil
	}

	parent, name, err := p.prepareTarget(ctx, driveID, dst, dstItem, overwrite)
	if err != nil {
		return err
	}

	req := moveRequest{
		DriveID:        driveID,
		FileID:         src.FileID,
		ToParentFileID: parent.FileID,
		CheckNameMode:  "ignore",
	}

	if name != src.displayName() {
		req.NewName = name
	}

	if err := p.call(ctx, ratelimit.ClassOther, endpointMove, req, nil); err != nil {
		return storage.NewPathError("move", dst, err)
	}

	return nil
}

var (
	_ storage.Provider   = (*Provider)(nil)
	_ storage.Copier     = (*Provider)(nil)
	_ storage.Mover      = (*Provider)(nil)
	_ storage.StatLister = (*Provider)(nil)
)
