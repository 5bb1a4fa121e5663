package ftp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/adler32"
	"io"

	"github.com/klauspost/compress/flate"
)

// MODE Z streams are zlib framed. The payload is raw DEFLATE; the two byte
// header is written on compress and skipped on decompress, the Adler-32
// trailer is written but not verified since several servers send a bogus one.

var zlibHeader = [2]byte{0x78, 0x9c}

type deflateWriter struct {
	w     io.Writer
	fw    *flate.Writer
	sum   hash.Hash32
	wrote bool
}

func newDeflateWriter(w io.Writer) (*deflateWriter, error) {
	fw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &deflateWriter{w: w, fw: fw, sum: adler32.New()}, nil
}

func (d *deflateWriter) header() error {
	if d.wrote {
		return nil
	}
	d.wrote = true
	_, err := d.w.Write(zlibHeader[:])
	return err
}

func (d *deflateWriter) Write(p []byte) (int, error) {
	if err := d.header(); err != nil {
		return 0, err
	}
	n, err := d.fw.Write(p)
	d.sum.Write(p[:n])
	return n, err
}

// Close flushes the stream and writes the trailer. It does not close the
// underlying writer.
func (d *deflateWriter) Close() error {
	if err := d.header(); err != nil {
		return err
	}
	if err := d.fw.Close(); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], d.sum.Sum32())
	_, err := d.w.Write(trailer[:])
	return err
}

type inflateReader struct {
	br      *bufio.Reader
	fr      io.ReadCloser
	started bool
}

func newInflateReader(r io.Reader) *inflateReader {
	return &inflateReader{br: bufio.NewReader(r)}
}

func (i *inflateReader) start() error {
	i.started = true
	var hdr [2]byte
	if _, err := io.ReadFull(i.br, hdr[:]); err != nil {
		if err == io.EOF {
			// Empty file: nothing was compressed.
			i.fr = io.NopCloser(eofReader{})
			return nil
		}
		return fmt.Errorf("reading zlib header: %w", err)
	}
	if hdr[0]&0x0f != 8 || (uint16(hdr[0])<<8|uint16(hdr[1]))%31 != 0 {
		return fmt.Errorf("invalid zlib header %x", hdr)
	}
	i.fr = flate.NewReader(i.br)
	return nil
}

func (i *inflateReader) Read(p []byte) (int, error) {
	if !i.started {
		if err := i.start(); err != nil {
			return 0, err
		}
	}
	return i.fr.Read(p)
}

func (i *inflateReader) Close() error {
	if i.fr == nil {
		return nil
	}
	return i.fr.Close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
