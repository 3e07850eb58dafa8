package config

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

func (fr *OsFullReader) SetBase(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		err = errors.Annotatef(err, "filepath.Abs() path=%s", dir)
		log.Fatal(errors.ErrorStack(err))
	}
	fr.base = abs
}

func (fr *OsFullReader) SplitBase(path string) (string, string) {
	return filepath.Split(path)
}

func (fr *OsFullReader) Normalize(path string) string {
	return filepath.Clean(filepath.Join(fr.base, path))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b, err := ioutil.ReadAll(f)
	f.Close()
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (fr *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (fr *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := fr.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
