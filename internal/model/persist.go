package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
)

const (
	fileMagic   = "DGNN"
	fileVersion = uint32(1)
)

var byteOrder = binary.LittleEndian

var errBufferUnderflow = errors.New("buffer underflow")

type options struct {
	fsys   fs.FileSystem
	strict bool
}

// Option configures network construction and loading.
type Option func(*options)

// WithFileSystem sets the file system used by LoadOrInit and Save.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithStrict makes LoadOrInit fail on a present but undecodable model file
// instead of falling back to a fresh network.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

func applyOptions(opts []Option) options {
	o := options{fsys: fs.Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LoadOrInit restores a network from path. A missing, mismatched or corrupt file
// yields a fresh network; the discarded file's error is kept in the report. With
// WithStrict, a present but undecodable file is returned as ErrModelState.
func LoadOrInit(path string, cfg Config, opts ...Option) (*Network, LoadReport, error) {
	o := applyOptions(opts)
	report := LoadReport{Path: path}
	if err := cfg.Validate(); err != nil {
		return nil, report, err
	}

	data, err := fs.ReadFile(o.fsys, path)
	if err == nil {
		var n *Network
		n, err = decode(data, cfg, o)
		if err == nil {
			log.WithFields(log.Fields{
				"path":       path,
				"generation": n.meta.Generation,
				"samples":    n.meta.TrainedSamples,
			}).Info("[Model] Loaded model")
			return n, report, nil
		}
		err = errdefs.Wrap(errdefs.ErrModelState, err)
		if o.strict {
			return nil, report, err
		}
		report.Err = err
		log.WithField("path", path).Warn("[Model] Discarding undecodable model: ", err)
	} else if !errors.Is(err, os.ErrNotExist) {
		report.Err = errdefs.Wrap(errdefs.ErrModelState, err)
		log.WithField("path", path).Warn("[Model] Couldn't read model: ", err)
	} else {
		log.WithField("path", path).Info("[Model] No model file, initializing a fresh network")
	}

	n, err := NewNetwork(cfg, opts...)
	if err != nil {
		return nil, report, err
	}
	report.Fresh = true
	return n, report, nil
}

// Save writes the network to path through a temporary file and rename, so the
// previous model file survives a failed save. Missing parent directories are created.
func (n *Network) Save(path string) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	if err := n.fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errdefs.Wrap(errdefs.ErrPersistence, err)
	}
	err = fs.WriteFileAtomic(n.fsys, path, 0644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return errdefs.Wrap(errdefs.ErrPersistence, err)
	}
	log.WithFields(log.Fields{"path": path, "generation": n.meta.Generation}).Debug("[Model] Saved model")
	return nil
}

// encode layout, zstd compressed:
//
//	magic | version u32 | metadata len u32 | metadata json |
//	4 x (len u64 | gonum binary matrix) | crc32 of all preceding bytes
func (n *Network) encode() ([]byte, error) {
	meta, err := json.Marshal(n.meta)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString(fileMagic)
	binary.Write(&b, byteOrder, fileVersion)
	binary.Write(&b, byteOrder, uint32(len(meta)))
	b.Write(meta)

	for _, m := range []interface{ MarshalBinary() ([]byte, error) }{n.w1, n.b1, n.w2, n.b2} {
		blob, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		binary.Write(&b, byteOrder, uint64(len(blob)))
		b.Write(blob)
	}
	binary.Write(&b, byteOrder, crc32.ChecksumIEEE(b.Bytes()))

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b.Bytes(), nil), nil
}

func decode(data []byte, cfg Config, o options) (*Network, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) < len(fileMagic)+12 {
		return nil, errBufferUnderflow
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(body) != byteOrder.Uint32(trailer) {
		return nil, errors.New("checksum mismatch")
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return nil, errors.New("not a model file")
	}
	var version, metaLen uint32
	if err := binary.Read(r, byteOrder, &version); err != nil {
		return nil, err
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported model version %d", version)
	}
	if err := binary.Read(r, byteOrder, &metaLen); err != nil {
		return nil, err
	}
	metaData, err := readN(r, uint64(metaLen))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, err
	}
	if meta.ImageSize != cfg.Side || len(meta.Classes) != cfg.Classes || meta.Hidden <= 0 {
		return nil, fmt.Errorf("model shape %dx%d with %d classes doesn't match configured %dx%d with %d classes",
			meta.ImageSize, meta.ImageSize, len(meta.Classes), cfg.Side, cfg.Side, cfg.Classes)
	}
	cfg.Hidden = meta.Hidden

	n := &Network{
		cfg:  cfg,
		meta: meta,
		fsys: o.fsys,
		w1:   new(mat.Dense),
		b1:   new(mat.VecDense),
		w2:   new(mat.Dense),
		b2:   new(mat.VecDense),
	}
	for _, m := range []interface{ UnmarshalBinary([]byte) error }{n.w1, n.b1, n.w2, n.b2} {
		var size uint64
		if err := binary.Read(r, byteOrder, &size); err != nil {
			return nil, err
		}
		blob, err := readN(r, size)
		if err != nil {
			return nil, err
		}
		if err := m.UnmarshalBinary(blob); err != nil {
			return nil, err
		}
	}

	if r1, c1 := n.w1.Dims(); r1 != cfg.Hidden || c1 != cfg.inputs() {
		return nil, fmt.Errorf("hidden weights are %dx%d", r1, c1)
	}
	if r2, c2 := n.w2.Dims(); r2 != cfg.Classes || c2 != cfg.Hidden {
		return nil, fmt.Errorf("output weights are %dx%d", r2, c2)
	}
	if n.b1.Len() != cfg.Hidden || n.b2.Len() != cfg.Classes {
		return nil, errors.New("bias length mismatch")
	}
	return n, nil
}

func readN(r *bytes.Reader, n uint64) ([]byte, error) {
	if n > uint64(r.Len()) {
		return nil, errBufferUnderflow
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
