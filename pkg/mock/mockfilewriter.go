package mock

import (
	"os"
)

// MockFileWriter records writes in memory. It satisfies utils.FileManager.
type MockFileWriter struct {
	Err    error
	Files  map[string][]byte
	Perms  map[string]os.FileMode
	Mkdirs map[string]os.FileMode
}

func NewMockFileWriter() *MockFileWriter {
	return &MockFileWriter{
		Files:  make(map[string][]byte),
		Perms:  make(map[string]os.FileMode),
		Mkdirs: make(map[string]os.FileMode),
	}
}

func (m *MockFileWriter) MkdirAll(path string, perm os.FileMode) error {
	if m.Err != nil {
		return m.Err
	}
	m.Mkdirs[path] = perm
	return nil
}

func (m *MockFileWriter) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if m.Err != nil {
		return m.Err
	}
	m.Files[filename] = append([]byte(nil), data...)
	m.Perms[filename] = perm
	return nil
}
