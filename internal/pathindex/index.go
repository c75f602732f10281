package pathindex

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/blobsync/internal/event"
	"github.com/openmined/blobsync/internal/utils"
)

var (
	ErrFolderExists   = errors.New("source folder already open")
	ErrFolderOverlap  = errors.New("source folder overlaps an open folder")
	ErrFolderNotFound = errors.New("source folder not found")
	ErrInvalidPath    = errors.New("invalid relative path")
)

type pathKey struct {
	folder  FolderID
	relPath string
}

type sourceFolder struct {
	info    FolderInfo
	entries map[string]*PathEntry
	nextTS  uint64
}

// Index maps every path of every open source folder to its trackability
// state and current blob name. It is the single source of truth for what
// has been synced; writers race only through sequence numbers.
type Index struct {
	mu           sync.RWMutex
	seq          atomic.Uint64
	nextFolderID FolderID
	folders      map[FolderID]*sourceFolder
	blobPaths    map[string]mapset.Set[pathKey]

	blobNameChanged *event.Emitter[BlobNameChange]
	logger          *slog.Logger
}

func New(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		nextFolderID:    1,
		folders:         make(map[FolderID]*sourceFolder),
		blobPaths:       make(map[string]mapset.Set[pathKey]),
		blobNameChanged: event.NewEmitter[BlobNameChange](),
		logger:          logger,
	}
}

// OnBlobNameChanged is the event stream of blob name changes.
func (x *Index) OnBlobNameChanged() *event.Emitter[BlobNameChange] {
	return x.blobNameChanged
}

// NextSeq claims a new sequence number. Sequence numbers never repeat.
func (x *Index) NextSeq() uint64 {
	return x.seq.Add(1)
}

func (x *Index) CurrentSeq() uint64 {
	return x.seq.Load()
}

func (x *Index) OpenSourceFolder(root, repoRoot string) (FolderID, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return 0, fmt.Errorf("resolve folder root: %w", err)
	}
	if repoRoot == "" {
		repoRoot = root
	} else if repoRoot, err = utils.ResolvePath(repoRoot); err != nil {
		return 0, fmt.Errorf("resolve repo root: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, f := range x.folders {
		if f.info.Root == root {
			return 0, fmt.Errorf("%w: %s", ErrFolderExists, root)
		}
		if utils.IsSubPath(f.info.Root, root) || utils.IsSubPath(root, f.info.Root) {
			return 0, fmt.Errorf("%w: %s and %s", ErrFolderOverlap, root, f.info.Root)
		}
	}

	id := x.nextFolderID
	x.nextFolderID++
	x.folders[id] = &sourceFolder{
		info:    FolderInfo{ID: id, Root: root, RepoRoot: repoRoot},
		entries: make(map[string]*PathEntry),
		nextTS:  1,
	}
	x.logger.Info("source folder open", "folder", id, "root", root, "repoRoot", repoRoot)
	return id, nil
}

func (x *Index) CloseSourceFolder(id FolderID) error {
	x.mu.Lock()
	f, ok := x.folders[id]
	if !ok {
		x.mu.Unlock()
		return ErrFolderNotFound
	}
	var changes []BlobNameChange
	for relPath, entry := range f.entries {
		if change, ok := x.dropBlobLocked(id, relPath, entry); ok {
			changes = append(changes, change)
		}
	}
	delete(x.folders, id)
	x.mu.Unlock()

	x.logger.Info("source folder close", "folder", id, "root", f.info.Root)
	x.emit(changes...)
	return nil
}

func (x *Index) Folder(id FolderID) (FolderInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	f, ok := x.folders[id]
	if !ok {
		return FolderInfo{}, false
	}
	return f.info, true
}

func (x *Index) Folders() []FolderInfo {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]FolderInfo, 0, len(x.folders))
	for _, f := range x.folders {
		out = append(out, f.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve maps an absolute path to the folder that contains it.
func (x *Index) Resolve(absPath string) (FolderID, string, bool) {
	absPath = filepath.Clean(absPath)

	x.mu.RLock()
	defer x.mu.RUnlock()
	for id, f := range x.folders {
		if !utils.IsSubPath(f.info.Root, absPath) || absPath == f.info.Root {
			continue
		}
		rel, err := utils.RelPath(f.info.Root, absPath)
		if err != nil {
			continue
		}
		return id, rel, true
	}
	return 0, "", false
}

// Insert creates the entry for relPath or refreshes an existing one. It
// records the file type and filter verdict and stamps the entry with the
// folder's next timestamp. Turning a path into a non-file or rejecting it
// drops its file info.
func (x *Index) Insert(id FolderID, relPath string, fileType FileType, acceptance Acceptance) (PathEntry, error) {
	relPath, err := cleanRelPath(relPath)
	if err != nil {
		return PathEntry{}, err
	}

	x.mu.Lock()
	f, ok := x.folders[id]
	if !ok {
		x.mu.Unlock()
		return PathEntry{}, ErrFolderNotFound
	}

	var changes []BlobNameChange
	entry, exists := f.entries[relPath]
	if !exists {
		entry = &PathEntry{Seq: x.seq.Load()}
		f.entries[relPath] = entry
	}
	entry.EntryTS = f.nextTS
	f.nextTS++
	if !acceptance.Accepted || fileType != FileTypeFile {
		if change, ok := x.dropBlobLocked(id, relPath, entry); ok {
			changes = append(changes, change)
		}
		entry.Info = nil
	}
	entry.FileType = fileType
	entry.Acceptance = acceptance
	out := entry.clone()
	x.mu.Unlock()

	x.emit(changes...)
	return out, nil
}

// Update records blobName and mtime for relPath as of seq. It returns false,
// leaving the index unchanged, if the path is unknown, not an accepted file,
// or already holds a sequence >= seq.
func (x *Index) Update(id FolderID, relPath string, seq uint64, blobName string, mtime time.Time) bool {
	relPath = utils.NormPath(relPath)
	x.mu.Lock()
	entry, ok := x.writableLocked(id, relPath, seq)
	if !ok {
		x.mu.Unlock()
		return false
	}
	if !entry.Acceptance.Accepted || entry.FileType != FileTypeFile {
		x.mu.Unlock()
		return false
	}

	prev := entry.blobName()
	entry.Seq = seq
	entry.Info = &FileInfo{
		Kind:       InfoTrackable,
		BlobName:   blobName,
		Mtime:      mtime,
		ContentSeq: seq,
	}
	var changes []BlobNameChange
	if prev != blobName {
		x.unlinkBlobLocked(prev, pathKey{id, relPath})
		x.linkBlobLocked(blobName, pathKey{id, relPath})
		changes = append(changes, BlobNameChange{Folder: id, RelPath: relPath, Prev: prev, Next: blobName})
	}
	x.mu.Unlock()

	x.emit(changes...)
	return true
}

// MarkUntrackable records that relPath cannot be synced as of seq.
func (x *Index) MarkUntrackable(id FolderID, relPath string, seq uint64, reason string) bool {
	relPath = utils.NormPath(relPath)
	x.mu.Lock()
	entry, ok := x.writableLocked(id, relPath, seq)
	if !ok {
		x.mu.Unlock()
		return false
	}

	var changes []BlobNameChange
	if change, ok := x.dropBlobLocked(id, relPath, entry); ok {
		changes = append(changes, change)
	}
	entry.Seq = seq
	entry.Info = &FileInfo{
		Kind:       InfoUntrackable,
		ContentSeq: seq,
		Reason:     reason,
	}
	x.mu.Unlock()

	x.logger.Debug("path untrackable", "folder", id, "path", relPath, "reason", reason)
	x.emit(changes...)
	return true
}

// Remove deletes relPath from the index as of seq.
func (x *Index) Remove(id FolderID, relPath string, seq uint64) bool {
	relPath = utils.NormPath(relPath)
	x.mu.Lock()
	entry, ok := x.writableLocked(id, relPath, seq)
	if !ok {
		x.mu.Unlock()
		return false
	}

	var changes []BlobNameChange
	if change, ok := x.dropBlobLocked(id, relPath, entry); ok {
		changes = append(changes, change)
	}
	delete(x.folders[id].entries, relPath)
	x.mu.Unlock()

	x.emit(changes...)
	return true
}

func (x *Index) GetEntry(id FolderID, relPath string) (PathEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry := x.entryLocked(id, relPath)
	if entry == nil {
		return PathEntry{}, false
	}
	return entry.clone(), true
}

// GetBlobName returns the current blob name of a trackable path.
func (x *Index) GetBlobName(id FolderID, relPath string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry := x.entryLocked(id, relPath)
	if entry == nil || !entry.Info.Trackable() {
		return "", false
	}
	return entry.Info.BlobName, true
}

// GetBlobInfo returns the cached blob name of relPath only when it was
// computed for the same mtime and has not been invalidated, so callers can
// skip hashing.
func (x *Index) GetBlobInfo(id FolderID, relPath string, mtime time.Time) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry := x.entryLocked(id, relPath)
	if entry == nil || !entry.Info.Trackable() {
		return "", false
	}
	info := entry.Info
	if info.ContentSeq == 0 || !info.Mtime.Equal(mtime) {
		return "", false
	}
	return info.BlobName, true
}

// ReportMissing invalidates the cached blob info of every path holding
// blobName, forcing the next ingestion of those paths to re-hash and
// re-probe. It returns the number of paths affected.
func (x *Index) ReportMissing(blobName string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys, ok := x.blobPaths[blobName]
	if !ok {
		return 0
	}
	n := 0
	for _, key := range keys.ToSlice() {
		entry := x.entryLocked(key.folder, key.relPath)
		if entry == nil || !entry.Info.Trackable() {
			continue
		}
		entry.Info.ContentSeq = 0
		n++
	}
	x.logger.Debug("blob reported missing", "blob", blobName, "paths", n)
	return n
}

// PathsForBlob lists the (folder, path) pairs currently tracked under blobName.
func (x *Index) PathsForBlob(blobName string) map[FolderID][]string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[FolderID][]string)
	if keys, ok := x.blobPaths[blobName]; ok {
		for _, key := range keys.ToSlice() {
			out[key.folder] = append(out[key.folder], key.relPath)
		}
	}
	for _, paths := range out {
		sort.Strings(paths)
	}
	return out
}

// Descendants lists the paths of folder id nested under dirPath.
func (x *Index) Descendants(id FolderID, dirPath string) []string {
	prefix := utils.NormPath(dirPath) + "/"

	x.mu.RLock()
	defer x.mu.RUnlock()
	f, ok := x.folders[id]
	if !ok {
		return nil
	}
	var out []string
	for relPath := range f.entries {
		if strings.HasPrefix(relPath, prefix) {
			out = append(out, relPath)
		}
	}
	sort.Strings(out)
	return out
}

// CurrentTS returns the timestamp the next Insert in folder id will receive.
func (x *Index) CurrentTS(id FolderID) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if f, ok := x.folders[id]; ok {
		return f.nextTS
	}
	return 0
}

// Purge removes every entry of folder id last inserted before beforeTS.
func (x *Index) Purge(id FolderID, beforeTS uint64) int {
	x.mu.Lock()
	f, ok := x.folders[id]
	if !ok {
		x.mu.Unlock()
		return 0
	}
	var changes []BlobNameChange
	purged := 0
	for relPath, entry := range f.entries {
		if entry.EntryTS >= beforeTS {
			continue
		}
		if change, ok := x.dropBlobLocked(id, relPath, entry); ok {
			changes = append(changes, change)
		}
		delete(f.entries, relPath)
		purged++
	}
	x.mu.Unlock()

	if purged > 0 {
		x.logger.Debug("index purge", "folder", id, "purged", purged)
	}
	x.emit(changes...)
	return purged
}

// Snapshot returns every trackable path of folder id, sorted by path.
func (x *Index) Snapshot(id FolderID) []TrackedFile {
	x.mu.RLock()
	defer x.mu.RUnlock()

	f, ok := x.folders[id]
	if !ok {
		return nil
	}
	out := make([]TrackedFile, 0, len(f.entries))
	for relPath, entry := range f.entries {
		if !entry.Info.Trackable() {
			continue
		}
		out = append(out, TrackedFile{RelPath: relPath, Mtime: entry.Info.Mtime, BlobName: entry.Info.BlobName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

func (x *Index) Stats(id FolderID) Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var s Stats
	f, ok := x.folders[id]
	if !ok {
		return s
	}
	for _, entry := range f.entries {
		s.Entries++
		switch {
		case !entry.Acceptance.Accepted:
			s.Rejected++
		case entry.Info.Trackable():
			s.Trackable++
		case entry.Info != nil:
			s.Untrackable++
		}
	}
	return s
}

func (x *Index) Close() {
	x.blobNameChanged.Close()
}

func (x *Index) entryLocked(id FolderID, relPath string) *PathEntry {
	f, ok := x.folders[id]
	if !ok {
		return nil
	}
	return f.entries[utils.NormPath(relPath)]
}

// writableLocked returns the entry if a write at seq is not stale.
func (x *Index) writableLocked(id FolderID, relPath string, seq uint64) (*PathEntry, bool) {
	entry := x.entryLocked(id, relPath)
	if entry == nil || entry.Seq >= seq {
		return nil, false
	}
	return entry, true
}

func (x *Index) dropBlobLocked(id FolderID, relPath string, entry *PathEntry) (BlobNameChange, bool) {
	prev := entry.blobName()
	if prev == "" {
		return BlobNameChange{}, false
	}
	x.unlinkBlobLocked(prev, pathKey{id, relPath})
	return BlobNameChange{Folder: id, RelPath: relPath, Prev: prev}, true
}

func (x *Index) linkBlobLocked(blobName string, key pathKey) {
	if blobName == "" {
		return
	}
	set, ok := x.blobPaths[blobName]
	if !ok {
		set = mapset.NewThreadUnsafeSet[pathKey]()
		x.blobPaths[blobName] = set
	}
	set.Add(key)
}

func (x *Index) unlinkBlobLocked(blobName string, key pathKey) {
	set, ok := x.blobPaths[blobName]
	if !ok {
		return
	}
	set.Remove(key)
	if set.Cardinality() == 0 {
		delete(x.blobPaths, blobName)
	}
}

func (x *Index) emit(changes ...BlobNameChange) {
	for _, change := range changes {
		x.blobNameChanged.Emit(change)
	}
}

func cleanRelPath(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	relPath = utils.NormPath(relPath)
	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return relPath, nil
}
