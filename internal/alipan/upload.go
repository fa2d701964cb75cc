package alipan

import (
	"bytes"
	"context"
	"crypto/md5"  //nolint:gosec // proof index derivation mandated by the API
	"crypto/sha1" //nolint:gosec // content hash mandated by the API
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/breadfs/breadfs/internal/ratelimit"
	"github.com/breadfs/breadfs/internal/storage"
)

// Part size bands. The service caps an upload at 10,000 parts, so larger
// files need larger parts.
const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
	tib = 1024 * gib

	basePartSize = 20 * mib

	// rapidUploadThreshold is the smallest payload worth a pre-hash probe.
	rapidUploadThreshold = 100 * kib
	preHashLen           = 1 * kib
	proofWindow          = 8

	internalUploadHost = "https://cn-beijing-data.aliyundrive.net/"
	internalUploadVia  = "http://ccp-bj29-bj-1592982087.oss-cn-beijing-internal.aliyuncs.com/"

	uploadTimeLayout = "2006-01-02T15:04:05.000Z"
	directionUpload  = "upload"
)

// PartSize returns the chunk size used to upload a payload of size bytes.
func PartSize(size int64) int64 {
	switch {
	case size <= basePartSize:
		return basePartSize
	case size > 1*tib:
		return 5 * gib
	case size > 768*gib:
		return 109_951_163
	case size > 512*gib:
		return 82_463_373
	case size > 384*gib:
		return 54_975_582
	case size > 256*gib:
		return 41_231_687
	case size > 128*gib:
		return 27_487_791
	default:
		return basePartSize
	}
}

// PartCount returns how many parts a payload of size bytes is split into.
// An empty payload has no parts.
func PartCount(size int64) int {
	if size <= 0 {
		return 0
	}

	ps := PartSize(size)

	return int((size + ps - 1) / ps)
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec // see import

	return hex.EncodeToString(sum[:])
}

// preHash is the SHA-1 of the first KiB, used to probe for a server-side
// duplicate before hashing the whole payload.
func preHash(data []byte) string {
	return sha1Hex(data[:min(len(data), preHashLen)])
}

// proofCode proves possession of data: an offset derived from the access
// token selects up to eight bytes, returned base64-encoded. The result is
// deterministic for a given token and payload.
func proofCode(accessToken string, data []byte) string {
	if len(data) == 0 {
		return ""
	}

	// The first 16 hex digits of the digest, read as an unsigned integer.
	sum := md5.Sum([]byte(accessToken)) //nolint:gosec // see import
	v := binary.BigEndian.Uint64(sum[:8])

	start := int(v % uint64(len(data)))
	end := min(len(data), start+proofWindow)

	return base64.StdEncoding.EncodeToString(data[start:end])
}

// upload stores data as name under parentID.
func (p *Provider) upload(
	ctx context.Context, driveID, parentID, name, dstPath string, data []byte, onProgress storage.ProgressFunc,
) error {
	size := int64(len(data))
	count := PartCount(size)
	now := time.Now().UTC().Format(uploadTimeLayout)

	parts := make([]partInfo, count)
	for i := range parts {
		parts[i] = partInfo{PartNumber: i + 1}
	}

	req := createFileRequest{
		DriveID:         driveID,
		ParentFileID:    parentID,
		Name:            name,
		Type:            itemTypeFile,
		CheckNameMode:   "ignore",
		LocalCreatedAt:  now,
		LocalModifiedAt: now,
		PartInfoList:    parts,
	}

	rapid := p.opts.RapidUpload && size > rapidUploadThreshold
	if rapid {
		req.Size = size
		req.PreHash = preHash(data)
	}

	logger := p.logger.With(slog.String("path", dstPath), slog.Int64("size", size))
	logger.Debug("alipan: creating upload session",
		slog.Int("parts", count),
		slog.Bool("rapid", rapid),
	)

	var session uploadSession

	err := p.call(ctx, ratelimit.ClassOther, endpointCreate, req, &session)
	if rapid && hasCode(err, codePreHashMatched) {
		logger.Debug("alipan: pre-hash matched, sending proof")

		req.PreHash = ""
		req.ProofVersion = "v1"
		req.ContentHashName = "sha1"
		req.ContentHash = sha1Hex(data)
		req.ProofCode = proofCode(p.tokens.current().AccessToken, data)

		err = p.call(ctx, ratelimit.ClassOther, endpointCreate, req, &session)
	}

	if err != nil {
		return err
	}

	if session.RapidUpload {
		logger.Info("alipan: rapid upload accepted")
		onProgress.Report(dstPath, size, size)
	} else if err := p.uploadParts(ctx, session.PartInfoList, data, dstPath, onProgress); err != nil {
		return err
	}

	return p.call(ctx, ratelimit.ClassOther, endpointComplete, completeRequest{
		DriveID:  driveID,
		FileID:   session.FileID,
		UploadID: session.UploadID,
	}, nil)
}

func (p *Provider) uploadParts(
	ctx context.Context, parts []partInfo, data []byte, dstPath string, onProgress storage.ProgressFunc,
) error {
	size := int64(len(data))
	partSize := PartSize(size)

	// Each part maps to a fixed slice of data, so a list of the wrong length
	// would either overrun the payload or complete a truncated file.
	if want := PartCount(size); len(parts) != want {
		return fmt.Errorf("%w: server returned %d parts, want %d", ErrPartUpload, len(parts), want)
	}

	var done int64

	for i, part := range parts {
		u := part.url()
		if u == "" {
			return fmt.Errorf("%w: part %d has no upload url", ErrPartUpload, part.PartNumber)
		}

		start := int64(i) * partSize
		end := min(size, start+partSize)
		chunk := data[start:end]

		if err := p.putPart(ctx, p.partURL(u), chunk); err != nil {
			return fmt.Errorf("%w: part %d: %w", ErrPartUpload, part.PartNumber, err)
		}

		done += int64(len(chunk))
		p.addTransferBytes(directionUpload, int64(len(chunk)))
		onProgress.Report(dstPath, done, size)
	}

	return nil
}

// partURL rewrites a public upload host to the in-region endpoint when
// internal upload is enabled.
func (p *Provider) partURL(u string) string {
	if p.opts.InternalUpload {
		return strings.Replace(u, internalUploadHost, internalUploadVia, 1)
	}

	return u
}

// putPart sends one chunk. 409 means the part is already stored and counts
// as success.
func (p *Provider) putPart(ctx context.Context, u string, chunk []byte) error {
	resp, err := p.fetch(ctx, http.MethodPut, u, bytes.NewReader(chunk), int64(len(chunk)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	if !ok && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return nil
}
