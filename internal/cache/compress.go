package cache

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// compressContent deflate-compresses and base64-encodes content. The second
// return reports whether compression was applied; on any failure the
// original content is returned unmodified (fail open).
func (db *DB) compressContent(content string) (string, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		db.logger.Warn("compression init failed, storing plain", zap.Error(err))
		return content, false
	}
	if _, err := w.Write([]byte(content)); err != nil {
		db.logger.Warn("compression failed, storing plain", zap.Error(err))
		return content, false
	}
	if err := w.Close(); err != nil {
		db.logger.Warn("compression failed, storing plain", zap.Error(err))
		return content, false
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), true
}

// decompressContent reverses compressContent.
func decompressContent(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer func() { _ = r.Close() }()
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("inflate: %w", err)
	}
	return string(plain), nil
}

// inflate restores a message read from storage to its plain-text form.
// Decompression failures fail open: the message is returned as stored.
func (db *DB) inflate(m *Message) {
	if !m.Compressed {
		return
	}
	plain, err := decompressContent(m.Content)
	if err != nil {
		db.logger.Warn("decompression failed, returning stored content",
			zap.Error(err), zap.String("message_id", m.ID))
		return
	}
	m.Content = plain
	m.Compressed = false
}
