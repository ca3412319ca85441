package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec is a compression format for archived day files.
type Codec string

// Supported codecs.
const (
	Zstd   Codec = "zstd"
	Brotli Codec = "br"
	Gzip   Codec = "gzip"
)

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case Zstd, Brotli, Gzip:
		return c, nil
	case "":
		return Zstd, nil
	default:
		return "", fmt.Errorf("unsupported archive codec %q (want zstd, br or gzip)", s)
	}
}

// Ext returns the file extension appended to archived files.
func (c Codec) Ext() string {
	switch c {
	case Zstd:
		return ".zst"
	case Brotli:
		return ".br"
	case Gzip:
		return ".gz"
	default:
		return ""
	}
}

func (c Codec) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	default:
		return nil, fmt.Errorf("unsupported archive codec %q", string(c))
	}
}

// Archive compresses day files in dir strictly older than retentionDays
// before now and removes the originals. It returns the archive paths created.
// Today's file is never touched.
func Archive(dir string, now time.Time, retentionDays int, codec Codec) ([]string, error) {
	if codec.Ext() == "" {
		return nil, fmt.Errorf("unsupported archive codec %q", string(codec))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	cutoff := today.AddDate(0, 0, -retentionDays)
	var out []string
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ds := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		day, err := time.ParseInLocation(dayLayout, ds, now.Location())
		if err != nil || !day.Before(cutoff) || !day.Before(today) {
			continue
		}
		dst, err := compressFile(filepath.Join(dir, name), codec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, dst)
	}
	return out, errors.Join(errs...)
}

func compressFile(src string, codec Codec) (string, error) {
	dst := src + codec.Ext()
	in, err := os.Open(src) //nolint:gosec // src is a log file found in the log dir.
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) //nolint:gosec // dst derives from src.
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	w, err := codec.newWriter(out)
	if err == nil {
		_, err = io.Copy(w, in)
		if err2 := w.Close(); err == nil {
			err = err2
		}
	}
	if err2 := out.Close(); err == nil {
		err = err2
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("compress %s: %w", filepath.Base(src), err)
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dst, nil
}

// OpenDay returns the content of the day file for day (YYYY-MM-DD) in dir,
// whether it is still plain or already archived with any codec.
func OpenDay(dir, day string) (io.ReadCloser, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: want YYYY-MM-DD", day)
	}
	base := filepath.Join(dir, filePrefix+day+fileSuffix)
	if f, err := os.Open(base); err == nil { //nolint:gosec // base is built from a validated day.
		return f, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, c := range []Codec{Zstd, Brotli, Gzip} {
		r, err := OpenArchive(base + c.Ext())
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no log for %s in %s: %w", day, dir, fs.ErrNotExist)
}

// OpenArchive returns a reader over the decompressed content of an archived
// day file. The codec is deduced from the extension.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-provided on purpose.
	if err != nil {
		return nil, err
	}
	var r io.ReadCloser
	switch filepath.Ext(path) {
	case Zstd.Ext():
		dec, err := zstd.NewReader(f, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		r = dec.IOReadCloser()
	case Brotli.Ext():
		r = io.NopCloser(brotli.NewReader(f))
	case Gzip.Ext():
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		r = gr
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unknown archive extension %q", filepath.Ext(path))
	}
	return &archiveReader{ReadCloser: r, f: f}, nil
}

type archiveReader struct {
	io.ReadCloser
	f *os.File
}

func (a *archiveReader) Close() error {
	err := a.ReadCloser.Close()
	if err2 := a.f.Close(); err == nil {
		err = err2
	}
	return err
}
