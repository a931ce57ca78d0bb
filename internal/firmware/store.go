// Package firmware serves firmware binaries in fixed size chunks.
package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/datastore"
)

// ChunkSize is protocol constant, gateway computes addresses with it.
const ChunkSize = 512

const DefaultChecksumCeiling = 16 << 20

func TotalChunks(size int64) int64 { return (size + ChunkSize - 1) / ChunkSize }

type Meta struct {
	Filename    string
	Size        int64
	TotalChunks int64
	ChunkSize   int64
	Checksum    string // hex sha256, empty when above ceiling and not in catalog
	Registered  bool
}

type Chunk struct {
	Number  int64
	Address int64
	Data    []byte
	IsLast  bool
}

type Store struct {
	pool            *Pool
	checksumCeiling int64
}

func NewStore(pool *Pool, checksumCeiling int64) *Store {
	if checksumCeiling <= 0 {
		checksumCeiling = DefaultChecksumCeiling
	}
	return &Store{pool: pool, checksumCeiling: checksumCeiling}
}

func (self *Store) Pool() *Pool { return self.pool }

// Meta resolves size, chunk count and checksum from live file content.
// fv nil means unregistered file: everything is derived from file.
// Registered file must match catalog size and checksum.
func (self *Store) Meta(ctx context.Context, name string, fv *datastore.FirmwareVersion) (Meta, error) {
	f, release, err := self.pool.Acquire(ctx, name)
	if err != nil {
		return Meta{}, errors.Annotatef(err, "firmware meta name=%s", name)
	}
	defer release()
	m, err := DeriveMeta(f, name, fv, self.checksumCeiling)
	if err != nil && CodeOf(err) == CodeUnknown {
		self.pool.Evict(name)
	}
	return m, err
}

func DeriveMeta(f File, name string, fv *datastore.FirmwareVersion, ceiling int64) (Meta, error) {
	size := f.Size()
	m := Meta{
		Filename:    name,
		Size:        size,
		TotalChunks: TotalChunks(size),
		ChunkSize:   ChunkSize,
		Registered:  fv != nil,
	}
	if fv != nil && fv.Size != 0 && fv.Size != size {
		return Meta{}, Errorf(CodeChecksum, "firmware name=%s size file=%d catalog=%d", name, size, fv.Size)
	}
	if size > ceiling {
		if fv != nil {
			m.Checksum = fv.Checksum
		}
		return m, nil
	}
	sum, err := Checksum(f)
	if err != nil {
		return Meta{}, errors.Annotatef(err, "firmware name=%s", name)
	}
	if fv != nil && fv.Checksum != "" && !strings.EqualFold(sum, fv.Checksum) {
		return Meta{}, Errorf(CodeChecksum, "firmware name=%s sha256 file=%s catalog=%s", name, sum, fv.Checksum)
	}
	m.Checksum = sum
	return m, nil
}

func Checksum(f File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, f.Size())); err != nil {
		return "", errors.Annotate(err, "checksum")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadChunk reads chunk n at address n*ChunkSize. Last chunk may be short.
func (self *Store) ReadChunk(ctx context.Context, meta Meta, n int64) (Chunk, error) {
	if n < 0 {
		return Chunk{}, errors.NotValidf("chunk=%d", n)
	}
	addr := n * ChunkSize
	if addr >= meta.Size {
		return Chunk{}, errors.NotValidf("chunk=%d address=%d beyond size=%d", n, addr, meta.Size)
	}
	f, release, err := self.pool.Acquire(ctx, meta.Filename)
	if err != nil {
		return Chunk{}, errors.Annotatef(err, "firmware read name=%s", meta.Filename)
	}
	defer release()

	buf := make([]byte, ChunkSize)
	k, err := f.ReadAt(buf, addr)
	if err != nil && err != io.EOF {
		self.pool.Evict(meta.Filename)
		return Chunk{}, errors.Annotatef(err, "firmware read name=%s address=%d", meta.Filename, addr)
	}
	if k == 0 {
		return Chunk{}, errors.Errorf("firmware read name=%s address=%d empty", meta.Filename, addr)
	}
	return Chunk{
		Number:  n,
		Address: addr,
		Data:    buf[:k],
		IsLast:  k < ChunkSize || addr+int64(k) >= meta.Size,
	}, nil
}

func (self Chunk) Hex() string { return helpers.HexUpper(self.Data) }
