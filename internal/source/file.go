package source

// FileFlags records how a file's content was obtained.
type FileFlags uint8

const (
	// FileVirtual marks content that did not come from an environment on disk.
	FileVirtual FileFlags = 1 << iota
	FileHadBOM
	FileNormalizedCRLF
)

// File is one registered source text with its line index.
type File struct {
	ID      FileID
	Path    string
	Content []byte
	LineIdx []uint32
	Flags   FileFlags
}
