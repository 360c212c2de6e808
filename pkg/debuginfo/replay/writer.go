package replay

import (
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/rva"
)

// Writer produces a dump readable by Open. The header must be written
// before any payload value.
type Writer struct {
	enc       *jsoniter.Encoder
	gz        *gzip.Writer
	hasHeader bool
}

// NewWriter writes an uncompressed dump to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// NewGzipWriter writes a gzip-compressed dump to w.
func NewGzipWriter(w io.Writer) *Writer {
	gz := gzip.NewWriter(w)
	return &Writer{enc: json.NewEncoder(gz), gz: gz}
}

func (w *Writer) WriteHeader(a arch.Arch, binary string) error {
	if w.hasHeader {
		return errors.New("replay: header already written")
	}
	if !a.Known() {
		return arch.UnsupportedArchError{Name: a.String()}
	}
	w.hasHeader = true
	return w.write(line{Header: &header{
		Format:  FormatName,
		Version: FormatVersion,
		Arch:    a.String(),
		Binary:  binary,
	}})
}

func (w *Writer) WriteRecord(r debuginfo.Record) error {
	return w.payload(line{Sym: symFromRecord(r)})
}

func (w *Writer) WriteType(t debuginfo.TypeRecord) error {
	return w.payload(line{Type: typeFromRecord(t)})
}

func (w *Writer) WriteInlineeRanges(id debuginfo.SymIndexID, ranges []rva.Range) error {
	return w.payload(line{Lines: &linesLine{
		Sym:    uint32(id),
		Ranges: rangePairs(ranges),
	}})
}

// Close flushes the compressed stream. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.gz != nil {
		return errors.Wrap(w.gz.Close(), "closing gzip stream")
	}
	return nil
}

func (w *Writer) payload(l line) error {
	if !w.hasHeader {
		return errors.New("replay: header not written")
	}
	return w.write(l)
}

func (w *Writer) write(l line) error {
	return errors.Wrap(w.enc.Encode(l), "encoding dump value")
}
