package alipan

import (
	"strings"
	"time"

	"github.com/breadfs/breadfs/internal/storage"
)

// Item types.
const (
	itemTypeFile   = "file"
	itemTypeFolder = "folder"
)

// errorEnvelope is the error shape shared by every endpoint.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type driveInfoResponse struct {
	DefaultDriveID  string `json:"default_drive_id"`
	ResourceDriveID string `json:"resource_drive_id"`
	BackupDriveID   string `json:"backup_drive_id"`
	UserID          string `json:"user_id"`
}

// fileItem is a file or folder as returned by the openFile endpoints.
type fileItem struct {
	DriveID      string `json:"drive_id"`
	FileID       string `json:"file_id"`
	ParentFileID string `json:"parent_file_id"`
	Name         string `json:"name"`
	FileName     string `json:"file_name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	ContentHash  string `json:"content_hash"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// displayName prefers name and falls back to file_name.
func (it *fileItem) displayName() string {
	if it.Name != "" {
		return it.Name
	}

	return it.FileName
}

func (it *fileItem) isFolder() bool { return it.Type == itemTypeFolder }

func (it *fileItem) toStat(fullPath string) *storage.FileStat {
	st := &storage.FileStat{
		Path:      fullPath,
		Size:      it.Size,
		Kind:      storage.KindFile,
		ModTime:   parseTime(it.UpdatedAt),
		BirthTime: parseTime(it.CreatedAt),
	}

	if it.isFolder() {
		st.Kind = storage.KindDir
		st.Size = storage.UnknownSize
	}

	return st
}

// parseTime accepts the API's RFC 3339 timestamps and yields the zero time
// for anything else.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

type listRequest struct {
	DriveID        string `json:"drive_id"`
	ParentFileID   string `json:"parent_file_id"`
	Limit          int    `json:"limit"`
	Marker         string `json:"marker"`
	OrderBy        string `json:"order_by,omitempty"`
	OrderDirection string `json:"order_direction,omitempty"`
}

type listResponse struct {
	Items      []fileItem `json:"items"`
	NextMarker string     `json:"next_marker"`
}

type downloadURLRequest struct {
	DriveID   string `json:"drive_id"`
	FileID    string `json:"file_id"`
	ExpireSec int    `json:"expire_sec"`
}

type downloadURLResponse struct {
	URL        string            `json:"url"`
	StreamsURL map[string]string `json:"streams_url"`
}

type createFolderRequest struct {
	DriveID       string `json:"drive_id"`
	ParentFileID  string `json:"parent_file_id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	CheckNameMode string `json:"check_name_mode"`
}

type partInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
	// Some regions answer in camelCase.
	UploadURLAlt string `json:"uploadUrl,omitempty"`
}

func (pi partInfo) url() string {
	if pi.UploadURL != "" {
		return pi.UploadURL
	}

	return pi.UploadURLAlt
}

type createFileRequest struct {
	DriveID         string     `json:"drive_id"`
	ParentFileID    string     `json:"parent_file_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	CheckNameMode   string     `json:"check_name_mode"`
	LocalCreatedAt  string     `json:"local_created_at"`
	LocalModifiedAt string     `json:"local_modified_at"`
	PartInfoList    []partInfo `json:"part_info_list"`

	// Rapid upload fields.
	Size            int64  `json:"size,omitempty"`
	PreHash         string `json:"pre_hash,omitempty"`
	ProofVersion    string `json:"proof_version,omitempty"`
	ContentHashName string `json:"content_hash_name,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`
	ProofCode       string `json:"proof_code,omitempty"`
}

// uploadSession is the create-file response.
type uploadSession struct {
	FileID       string     `json:"file_id"`
	UploadID     string     `json:"upload_id"`
	RapidUpload  bool       `json:"rapid_upload"`
	PartInfoList []partInfo `json:"part_info_list"`
}

type completeRequest struct {
	DriveID  string `json:"drive_id"`
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
}

type copyRequest struct {
	DriveID        string `json:"drive_id"`
	FileID         string `json:"file_id"`
	ToParentFileID string `json:"to_parent_file_id"`
	AutoRename     bool   `json:"auto_rename"`
}

type moveRequest struct {
	DriveID        string `json:"drive_id"`
	FileID         string `json:"file_id"`
	ToParentFileID string `json:"to_parent_file_id"`
	CheckNameMode  string `json:"check_name_mode"`
	NewName        string `json:"new_name,omitempty"`
}

type updateRequest struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
	Name    string `json:"name"`
}

type fileRef struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
}

type copyResponse struct {
	FileID string `json:"file_id"`
}

// isLivp reports whether name is a Live Photo container.
func isLivp(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".livp")
}
