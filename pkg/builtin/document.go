package builtin

import (
	"errors"
	"os"
)

// ErrDocumentClosed is returned by operations on a released document.
var ErrDocumentClosed = errors.New("document is closed")

// XmlFileInfoDocument tracks the file a transform run reads and writes.
type XmlFileInfoDocument struct {
	fileName string
	size     int64
	closed   bool
}

// Open points the document at fileName and records its size.
func (d *XmlFileInfoDocument) Open(fileName string) error {
	if d.closed {
		return ErrDocumentClosed
	}
	info, err := os.Stat(fileName)
	if err != nil {
		return err
	}
	d.fileName = fileName
	d.size = info.Size()
	return nil
}

// FileName returns the path of the opened file, or "" if none is open.
func (d *XmlFileInfoDocument) FileName() string {
	return d.fileName
}

// Size returns the size of the opened file when it was opened.
func (d *XmlFileInfoDocument) Size() int64 {
	return d.size
}

// Closed reports whether Close has been called.
func (d *XmlFileInfoDocument) Closed() bool {
	return d.closed
}

// Close releases the document. Closing twice returns ErrDocumentClosed.
func (d *XmlFileInfoDocument) Close() error {
	if d.closed {
		return ErrDocumentClosed
	}
	d.closed = true
	return nil
}
