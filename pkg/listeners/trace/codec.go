package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Format is the record encoding.
type Format string

const (
	// JSONLines writes one JSON object per line.
	JSONLines Format = "jsonl"
	// CBOR writes a CBOR sequence (RFC 8742) of deterministic records.
	CBOR Format = "cbor"
)

// Compression wraps the encoded stream.
type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("trace: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("trace: CBOR decoder initialization failed: " + err.Error())
	}
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case JSONLines, CBOR:
		return f, nil
	case "":
		return JSONLines, nil
	default:
		return "", fmt.Errorf("trace: unknown format %q", s)
	}
}

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case None, Zstd:
		return c, nil
	case "":
		return None, nil
	default:
		return "", fmt.Errorf("trace: unknown compression %q", s)
	}
}

// sink is the write side of a trace stream: format encoder, buffering, then
// optional compression.
type sink struct {
	marshal func(v any) ([]byte, error)
	newline bool
	buf  *bufio.Writer
	zw   *zstd.Encoder
	file io.Closer
}

func newSink(w io.Writer, format Format, compression Compression) (*sink, error) {
	s := new(sink)
	switch compression {
	case None:
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("trace: zstd: %w", err)
		}
		s.zw = zw
		w = zw
	default:
		return nil, fmt.Errorf("trace: unknown compression %q", compression)
	}
	s.buf = bufio.NewWriter(w)
	switch format {
	case JSONLines:
		s.marshal = json.Marshal
		s.newline = true
	case CBOR:
		s.marshal = encMode.Marshal
	default:
		return nil, fmt.Errorf("trace: unknown format %q", format)
	}
	return s, nil
}

// write encodes then writes each record, returning the number written, or
// zero if the batch could not be flushed. Records that cannot be encoded are
// passed to skip, and do not fail the batch. Only I/O errors are returned.
func (x *sink) write(batch []Record, skip func(r *Record, err error)) (int, error) {
	var n int
	for i := range batch {
		b, err := x.marshal(&batch[i])
		if err != nil {
			if skip != nil {
				skip(&batch[i], fmt.Errorf("trace: encode record %d: %w", batch[i].Seq, err))
			}
			continue
		}
		if x.newline {
			b = append(b, '\n')
		}
		if _, err := x.buf.Write(b); err != nil {
			return 0, fmt.Errorf("trace: write: %w", err)
		}
		n++
	}
	if err := x.buf.Flush(); err != nil {
		return 0, fmt.Errorf("trace: write: %w", err)
	}
	return n, nil
}

func (x *sink) close() error {
	err := x.buf.Flush()
	if x.zw != nil {
		err = errors.Join(err, x.zw.Close())
	}
	if x.file != nil {
		err = errors.Join(err, x.file.Close())
	}
	return err
}

// Load reads a trace file written in any format and compression.
func Load(filename string) ([]Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a trace stream, detecting its format and compression.
func Read(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("trace: zstd: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	first, err := br.Peek(1)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: read: %w", err)
	}

	var records []Record
	if first[0] == '{' {
		dec := json.NewDecoder(br)
		for dec.More() {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("trace: decode record %d: %w", len(records), err)
			}
			records = append(records, rec)
		}
		return records, nil
	}

	dec := decMode.NewDecoder(br)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("trace: decode record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}
