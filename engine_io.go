package drop

import (
	"path/filepath"

	"github.com/opd-ai/drop/fileio"
)

// workDir is where partial incoming files live until their path completes,
// a sibling of the configured storage file so a host pointing StoragePath
// at a data directory gets everything colocated.
func (e *Engine) workDir() string {
	return filepath.Join(filepath.Dir(e.cfg.StoragePath), "drop-incoming")
}

func (e *Engine) sourceFor(transferID, fileID string) (fileio.Source, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFile, ok := e.outgoingSources[transferID]
	if !ok {
		return fileio.Source{}, false
	}
	src, ok := byFile[fileID]
	return src, ok
}

func (e *Engine) setSource(transferID, fileID string, src fileio.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFile, ok := e.outgoingSources[transferID]
	if !ok {
		byFile = make(map[string]fileio.Source)
		e.outgoingSources[transferID] = byFile
	}
	byFile[fileID] = src
}

func (e *Engine) writerFor(transferID, fileID string) *fileio.ChunkWriter {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFile, ok := e.incomingWriters[transferID]
	if !ok {
		return nil
	}
	return byFile[fileID]
}

func (e *Engine) setWriter(transferID, fileID string, w *fileio.ChunkWriter, baseDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFile, ok := e.incomingWriters[transferID]
	if !ok {
		byFile = make(map[string]*fileio.ChunkWriter)
		e.incomingWriters[transferID] = byFile
	}
	byFile[fileID] = w

	dirs, ok := e.incomingBaseDirs[transferID]
	if !ok {
		dirs = make(map[string]string)
		e.incomingBaseDirs[transferID] = dirs
	}
	dirs[fileID] = baseDir
}

func (e *Engine) clearIncoming(transferID, fileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byFile, ok := e.incomingWriters[transferID]; ok {
		delete(byFile, fileID)
	}
	if dirs, ok := e.incomingBaseDirs[transferID]; ok {
		delete(dirs, fileID)
	}
}

// destDirFor returns the host-chosen base directory a completed path should
// land in, falling back to the engine's default work directory if the host
// never called DownloadFile with an explicit one (should not normally
// happen, since DownloadFile is the only way a writer gets opened).
func (e *Engine) destDirFor(transferID, fileID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dirs, ok := e.incomingBaseDirs[transferID]; ok {
		if dir, ok := dirs[fileID]; ok && dir != "" {
			return dir
		}
	}
	return e.workDir()
}

// workingPathFor names the partial file a path writes into while active,
// distinct from its eventual conflict-resolved final name.
func (e *Engine) workingPathFor(transferID, fileID string) string {
	return filepath.Join(e.workDir(), transferID, fileID+".part")
}
