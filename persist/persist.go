// Package persist binds small state blobs to crash-safe files.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"

	"github.com/fleetlink/fleetlink/log2"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist binds target Load/Store to persistent storage under root/tag.
// Disabled (empty root) Persist is valid and does nothing.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func (p *Persist) Init(tag string, target Stater, root string, log *log2.Log) error {
	p.tag = tag
	p.log = log
	if root == "" {
		p.log.Debugf("persist %s disabled", p.tag)
		return nil
	}
	if target == nil {
		panic("code error persist target nil")
	}
	p.target = target
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

// Load reads storage into target. Missing or empty storage is not an
// error, target keeps its zero value.
func (p *Persist) Load() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	} else if !extremofile.IsCritical(err) {
		err = nil
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}
