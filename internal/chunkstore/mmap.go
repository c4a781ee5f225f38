package chunkstore

import "rhizo/internal/hash"

// mmapFile is a read-only memory-mapped view of a chunk file. Chunks are
// write-once, so unlike the teacher's pager.MmapFile this never grows or
// remaps: GetMmap always opens a fresh mapping sized to the file it finds.
// Platform-specific implementations are in mmap_unix.go and mmap_windows.go.
type mmapFile struct {
	closer func() error
	data   []byte
}

// Bytes returns the mapped region. The returned slice is only valid until
// Close is called.
func (m *mmapFile) Bytes() []byte { return m.data }

func (m *mmapFile) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer()
	m.closer = nil
	return err
}

// GetMmap returns a memory-mapped view of the chunk stored under h.
// Unlike Get, it never re-hashes the bytes, whatever the store's
// VerifyIntegrity config says: callers that need integrity verification
// should hash the returned bytes themselves before trusting them, mirroring
// GetVerified.
func (s *Store) GetMmap(h hash.ChunkHash) (*mmapFile, error) {
	if err := hash.Validate(h); err != nil {
		return nil, err
	}
	return openMmap(s.path(h))
}
