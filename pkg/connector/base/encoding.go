package base

import (
	"io"
	"strings"

	"github.com/g1879/datarecorder/pkg/recerrors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextEncoding resolves a configured encoding name
type TextEncoding struct {
	name string
	enc  encoding.Encoding
	bom  bool
}

// LookupEncoding resolves name through the WHATWG index. Python style
// names such as "utf_8" or "utf-8-sig" are accepted; the empty name is
// UTF-8.
func LookupEncoding(name string) (*TextEncoding, error) {
	normalized := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "_", "-")))
	switch normalized {
	case "", "utf-8", "utf8":
		return &TextEncoding{name: "utf-8"}, nil
	case "utf-8-sig", "utf8-sig":
		return &TextEncoding{name: "utf-8-sig", bom: true}, nil
	}

	enc, err := htmlindex.Get(normalized)
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, "unsupported encoding "+name)
	}
	canonical, _ := htmlindex.Name(enc)
	if canonical == "utf-8" {
		return &TextEncoding{name: "utf-8"}, nil
	}
	return &TextEncoding{name: canonical, enc: enc}, nil
}

// Name returns the canonical encoding name
func (te *TextEncoding) Name() string { return te.name }

// IsUTF8 reports whether text passes through untranslated.
func (te *TextEncoding) IsUTF8() bool { return te.enc == nil }

// NewWriter wraps w so UTF-8 text written to it is encoded. fresh reports
// whether w starts a new file; only then is a byte order mark written. The
// returned writer must be closed to flush pending bytes; closing does not
// close w.
func (te *TextEncoding) NewWriter(w io.Writer, fresh bool) io.WriteCloser {
	if te.enc == nil {
		if te.bom && fresh {
			return transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
		}
		return nopWriteCloser{w}
	}
	return transform.NewWriter(w, te.enc.NewEncoder())
}

// NewReader wraps r so its bytes are decoded to UTF-8. A leading UTF-8 byte
// order mark is dropped.
func (te *TextEncoding) NewReader(r io.Reader) io.Reader {
	if te.enc == nil {
		return transform.NewReader(r, unicode.BOMOverride(transform.Nop))
	}
	return transform.NewReader(r, unicode.BOMOverride(te.enc.NewDecoder()))
}

// Encode encodes UTF-8 text.
func (te *TextEncoding) Encode(s string) ([]byte, error) {
	if te.enc == nil {
		return []byte(s), nil
	}
	out, _, err := transform.String(te.enc.NewEncoder(), s)
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeData, "cannot encode text as "+te.name)
	}
	return []byte(out), nil
}

// Decode decodes bytes to UTF-8 text.
func (te *TextEncoding) Decode(b []byte) (string, error) {
	r := te.NewReader(strings.NewReader(string(b)))
	out, err := io.ReadAll(r)
	if err != nil {
		return "", recerrors.Wrap(err, recerrors.ErrorTypeData, "cannot decode text as "+te.name)
	}
	return string(out), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
