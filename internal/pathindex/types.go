package pathindex

import (
	"time"
)

// FolderID identifies an opened source folder.
type FolderID int

type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
	FileTypeOther
)

func (t FileType) String() string {
	switch t {
	case FileTypeFile:
		return "file"
	case FileTypeDirectory:
		return "directory"
	default:
		return "other"
	}
}

// Acceptance is the verdict of the path filter for a path.
type Acceptance struct {
	Accepted bool
	Reason   string
}

func Accept() Acceptance {
	return Acceptance{Accepted: true}
}

func Reject(reason string) Acceptance {
	return Acceptance{Accepted: false, Reason: reason}
}

type InfoKind int

const (
	InfoTrackable InfoKind = iota
	InfoUntrackable
)

func (k InfoKind) String() string {
	if k == InfoTrackable {
		return "trackable"
	}
	return "untrackable"
}

// FileInfo is what the ingestion pipeline learned about a path. Trackable
// infos carry the blob name and the mtime it was computed for; untrackable
// infos carry the reason.
type FileInfo struct {
	Kind       InfoKind
	BlobName   string
	Mtime      time.Time
	ContentSeq uint64
	Reason     string
}

func (i *FileInfo) Trackable() bool {
	return i != nil && i.Kind == InfoTrackable
}

// PathEntry is the index record for one relative path in a source folder.
// Seq is the highest sequence number accepted for the path; any write for a
// sequence at or below it is stale.
type PathEntry struct {
	EntryTS    uint64
	FileType   FileType
	Acceptance Acceptance
	Seq        uint64
	Info       *FileInfo
}

func (e *PathEntry) clone() PathEntry {
	c := *e
	if e.Info != nil {
		info := *e.Info
		c.Info = &info
	}
	return c
}

func (e *PathEntry) blobName() string {
	if e.Info.Trackable() {
		return e.Info.BlobName
	}
	return ""
}

// BlobNameChange is emitted whenever the tracked blob name of a path changes.
// An empty Prev means the path became trackable, an empty Next means it
// stopped being trackable or was removed.
type BlobNameChange struct {
	Folder  FolderID
	RelPath string
	Prev    string
	Next    string
}

// TrackedFile is a persisted (path, mtime, blob name) triple.
type TrackedFile struct {
	RelPath  string
	Mtime    time.Time
	BlobName string
}

// FolderInfo describes an opened source folder.
type FolderInfo struct {
	ID       FolderID
	Root     string
	RepoRoot string
}

type Stats struct {
	Entries     int
	Trackable   int
	Untrackable int
	Rejected    int
}
