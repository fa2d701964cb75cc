package alipan

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breadfs/breadfs/internal/ratelimit"
)

const (
	testDriveID = "drive-1"
	testUserID  = "user-1"
)

// makeJWT returns an HS256 token whose sub claim is subject.
func makeJWT(t *testing.T, subject string) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject}).
		SignedString([]byte("test-key"))
	require.NoError(t, err)

	return tok
}

type fakeItem struct {
	id     string
	parent string
	name   string
	typ    string
	data   []byte
}

type fakeUpload struct {
	fileID string
	parts  map[int][]byte
}

// fakeDrive is an in-memory Alipan OpenAPI server.
type fakeDrive struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	items   map[string]*fakeItem
	order   []string
	uploads map[string]*fakeUpload
	nextID  int
	access  string
	refresh string

	// knobs
	pageSize       int
	refreshSubject string
	rejectAll      bool
	partStatus     int
	omitUploadURL  bool
	partDelta      int // extra (>0) or missing (<0) entries in part_info_list

	refreshes  atomic.Int32
	partPuts   atomic.Int32
	calls      sync.Map // endpoint -> *atomic.Int32
	lastCreate createFileRequest
	creates    []createFileRequest
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()

	f := &fakeDrive{
		t:              t,
		items:          map[string]*fakeItem{},
		uploads:        map[string]*fakeUpload{},
		pageSize:       2,
		refreshSubject: testUserID,
	}

	f.items["root"] = &fakeItem{id: "root", name: "root", typ: itemTypeFolder}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/access_token", f.handleToken)
	mux.HandleFunc("POST /adrive/v1.0/", f.handleAPI)
	mux.HandleFunc("GET /download/{id}", f.handleDownload)
	mux.HandleFunc("PUT /upload/{upload}/{part}", f.handlePart)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeDrive) count(endpoint string) int {
	v, ok := f.calls.Load(endpoint)
	if !ok {
		return 0
	}

	return int(v.(*atomic.Int32).Load())
}

func (f *fakeDrive) bump(endpoint string) {
	v, _ := f.calls.LoadOrStore(endpoint, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDrive) handleToken(w http.ResponseWriter, r *http.Request) {
	var req localRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Code: "InvalidParameter", Message: err.Error()})
		return
	}

	n := f.refreshes.Add(1)

	f.mu.Lock()
	f.access = fmt.Sprintf("access-%d", n)
	f.refresh = makeJWT(f.t, f.refreshSubject)
	resp := tokenResponse{AccessToken: f.access, RefreshToken: f.refresh, TokenType: "Bearer", ExpiresIn: 7200}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeDrive) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return !f.rejectAll && f.access != "" && r.Header.Get("Authorization") == "Bearer "+f.access
}

func (f *fakeDrive) newID() string {
	f.nextID++

	return "file-" + strconv.Itoa(f.nextID)
}

func (f *fakeDrive) addItem(parent, name, typ string, data []byte) *fakeItem {
	it := &fakeItem{id: f.newID(), parent: parent, name: name, typ: typ, data: data}
	f.items[it.id] = it
	f.order = append(f.order, it.id)

	return it
}

func (f *fakeDrive) lastCreateRequest() createFileRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastCreate
}

func (f *fakeDrive) createRequests() []createFileRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]createFileRequest(nil), f.creates...)
}

// seed creates an item under parent without going through the API.
func (f *fakeDrive) seed(parent, name, typ string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addItem(parent, name, typ, data).id
}

func (f *fakeDrive) children(parent string) []*fakeItem {
	var out []*fakeItem

	for _, id := range f.order {
		if it, ok := f.items[id]; ok && it.parent == parent {
			out = append(out, it)
		}
	}

	return out
}

func (f *fakeDrive) childNamed(parent, name string) *fakeItem {
	for _, it := range f.children(parent) {
		if it.name == name {
			return it
		}
	}

	return nil
}

func (f *fakeDrive) deleteTree(id string) {
	for _, c := range f.children(id) {
		f.deleteTree(c.id)
	}

	delete(f.items, id)
}

// lookup finds an item by slash path, for assertions.
func (f *fakeDrive) lookup(p string) *fakeItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.items["root"]

	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}

		cur = f.childNamed(cur.id, seg)
		if cur == nil {
			return nil
		}
	}

	return cur
}

func (f *fakeDrive) toWire(it *fakeItem) fileItem {
	return fileItem{
		DriveID:      testDriveID,
		FileID:       it.id,
		ParentFileID: it.parent,
		Name:         it.name,
		Size:         int64(len(it.data)),
		Type:         it.typ,
		CreatedAt:    "2024-05-01T10:00:00.000Z",
		UpdatedAt:    "2024-05-02T10:00:00.000Z",
	}
}

func (f *fakeDrive) handleAPI(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Path
	f.bump(endpoint)

	if !f.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Code: "AccessTokenInvalid", Message: "token invalid"})
		return
	}

	body, err := io.ReadAll(r.Body)
	assert.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch endpoint {
	case endpointDriveInfo:
		writeJSON(w, http.StatusOK, driveInfoResponse{DefaultDriveID: testDriveID, UserID: testUserID})
	case endpointList:
		f.list(w, body)
	case endpointDownloadURL:
		f.downloadURL(w, body)
	case endpointCreate:
		f.create(w, body)
	case endpointComplete:
		f.complete(w, body)
	case endpointCopy:
		var req copyRequest
		assert.NoError(f.t, json.Unmarshal(body, &req))

		src := f.items[req.FileID]
		cp := f.addItem(req.ToParentFileID, src.name, src.typ, append([]byte(nil), src.data...))
		writeJSON(w, http.StatusCreated, copyResponse{FileID: cp.id})
	case endpointUpdate:
		var req updateRequest
		assert.NoError(f.t, json.Unmarshal(body, &req))

		f.items[req.FileID].name = req.Name
		writeJSON(w, http.StatusOK, f.toWire(f.items[req.FileID]))
	case endpointMove:
		var req moveRequest
		assert.NoError(f.t, json.Unmarshal(body, &req))

		it := f.items[req.FileID]
		it.parent = req.ToParentFileID

		if req.NewName != "" {
			it.name = req.NewName
		}

		writeJSON(w, http.StatusOK, copyResponse{FileID: it.id})
	case endpointTrash, endpointDelete:
		var req fileRef
		assert.NoError(f.t, json.Unmarshal(body, &req))

		f.deleteTree(req.FileID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	default:
		writeJSON(w, http.StatusNotFound, errorEnvelope{Code: "NotFound", Message: endpoint})
	}
}

func (f *fakeDrive) list(w http.ResponseWriter, body []byte) {
	var req listRequest
	assert.NoError(f.t, json.Unmarshal(body, &req))
	assert.Equal(f.t, listPageSize, req.Limit)

	all := f.children(req.ParentFileID)

	start := 0
	if req.Marker != "" {
		start, _ = strconv.Atoi(req.Marker)
	}

	end := min(len(all), start+f.pageSize)

	resp := listResponse{Items: []fileItem{}}
	for _, it := range all[start:end] {
		resp.Items = append(resp.Items, f.toWire(it))
	}

	if end < len(all) {
		resp.NextMarker = strconv.Itoa(end)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeDrive) downloadURL(w http.ResponseWriter, body []byte) {
	var req downloadURLRequest
	assert.NoError(f.t, json.Unmarshal(body, &req))

	it := f.items[req.FileID]
	base := f.srv.URL + "/download/" + it.id

	if isLivp(it.name) {
		writeJSON(w, http.StatusOK, downloadURLResponse{StreamsURL: map[string]string{
			"jpeg": base + "?format=jpeg",
			"mov":  base + "?format=mov",
		}})

		return
	}

	writeJSON(w, http.StatusOK, downloadURLResponse{URL: base})
}

func (f *fakeDrive) handleDownload(w http.ResponseWriter, r *http.Request) {
	assert.Empty(f.t, r.Header.Get("Authorization"), "pre-signed downloads carry no bearer token")

	f.mu.Lock()
	it, ok := f.items[r.PathValue("id")]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if format := r.URL.Query().Get("format"); format != "" {
		_, _ = w.Write([]byte(format + ":" + string(it.data)))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(it.data)))
	_, _ = w.Write(it.data)
}

func (f *fakeDrive) storedWithHash(hash string, pre bool) *fakeItem {
	for _, id := range f.order {
		it, ok := f.items[id]
		if !ok || it.typ != itemTypeFile || len(it.data) == 0 {
			continue
		}

		h := sha1Hex(it.data)
		if pre {
			h = preHash(it.data)
		}

		if h == hash {
			return it
		}
	}

	return nil
}

func (f *fakeDrive) create(w http.ResponseWriter, body []byte) {
	var req createFileRequest
	assert.NoError(f.t, json.Unmarshal(body, &req))

	if req.Type == itemTypeFolder {
		if f.childNamed(req.ParentFileID, req.Name) != nil {
			writeJSON(w, http.StatusConflict, errorEnvelope{Code: "AlreadyExist.File", Message: "exists"})
			return
		}

		it := f.addItem(req.ParentFileID, req.Name, itemTypeFolder, nil)
		writeJSON(w, http.StatusCreated, f.toWire(it))

		return
	}

	f.lastCreate = req
	f.creates = append(f.creates, req)

	if req.PreHash != "" && f.storedWithHash(req.PreHash, true) != nil {
		writeJSON(w, http.StatusConflict, errorEnvelope{Code: codePreHashMatched, Message: "pre hash matched"})
		return
	}

	if req.ContentHash != "" {
		if src := f.storedWithHash(req.ContentHash, false); src != nil &&
			req.ProofCode == proofCode(f.access, src.data) {
			it := f.addItem(req.ParentFileID, req.Name, itemTypeFile, append([]byte(nil), src.data...))
			writeJSON(w, http.StatusOK, uploadSession{FileID: it.id, UploadID: "rapid", RapidUpload: true})

			return
		}
	}

	it := f.addItem(req.ParentFileID, req.Name, itemTypeFile, nil)
	uploadID := "upload-" + it.id
	f.uploads[uploadID] = &fakeUpload{fileID: it.id, parts: map[int][]byte{}}

	session := uploadSession{FileID: it.id, UploadID: uploadID}
	for _, part := range req.PartInfoList {
		pi := partInfo{PartNumber: part.PartNumber}
		if !f.omitUploadURL {
			pi.UploadURL = fmt.Sprintf("%s/upload/%s/%d", f.srv.URL, uploadID, part.PartNumber)
		}

		session.PartInfoList = append(session.PartInfoList, pi)
	}

	switch {
	case f.partDelta > 0:
		for i := range f.partDelta {
			n := len(req.PartInfoList) + i + 1
			session.PartInfoList = append(session.PartInfoList, partInfo{
				PartNumber: n,
				UploadURL:  fmt.Sprintf("%s/upload/%s/%d", f.srv.URL, uploadID, n),
			})
		}
	case f.partDelta < 0:
		session.PartInfoList = session.PartInfoList[:max(0, len(session.PartInfoList)+f.partDelta)]
	}

	writeJSON(w, http.StatusCreated, session)
}

func (f *fakeDrive) handlePart(w http.ResponseWriter, r *http.Request) {
	assert.Empty(f.t, r.Header.Get("Authorization"), "part uploads carry no bearer token")
	f.partPuts.Add(1)

	data, err := io.ReadAll(r.Body)
	assert.NoError(f.t, err)

	n, err := strconv.Atoi(r.PathValue("part"))
	assert.NoError(f.t, err)

	f.mu.Lock()
	up, ok := f.uploads[r.PathValue("upload")]
	status := f.partStatus

	if ok {
		up.parts[n] = data
	}
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if status == 0 {
		status = http.StatusOK
	}

	w.WriteHeader(status)
}

func (f *fakeDrive) complete(w http.ResponseWriter, body []byte) {
	var req completeRequest
	assert.NoError(f.t, json.Unmarshal(body, &req))

	if up, ok := f.uploads[req.UploadID]; ok {
		var data []byte
		for i := 1; i <= len(up.parts); i++ {
			data = append(data, up.parts[i]...)
		}

		if it, ok := f.items[up.fileID]; ok {
			it.data = data
		}

		delete(f.uploads, req.UploadID)
	}

	writeJSON(w, http.StatusOK, f.toWire(f.items[req.FileID]))
}

// newTestProvider returns a provider in local refresh mode against f with
// rate limiting disabled.
func newTestProvider(t *testing.T, f *fakeDrive, mutate ...func(*Options)) (*Provider, *ratelimit.Registry) {
	t.Helper()

	opts := Options{
		APIURL:       f.srv.URL,
		RefreshToken: makeJWT(t, testUserID),
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}

	for _, m := range mutate {
		m(&opts)
	}

	reg := ratelimit.NewRegistry(ratelimit.Intervals{}, nil)

	p, err := New(opts, reg, f.srv.Client(), slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close() })

	return p, reg
}
