// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package rescodec compresses work item results for storage in the work
// queue and restores them on the way out. Encoded results are gzip streams
// carried as standard base64 text.
package rescodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultMaxEncodedLength is the largest encoded result the results
	// column accepts.
	DefaultMaxEncodedLength = 262140

	// DefaultMaxCompressorInput bounds the text handed to the compressor.
	DefaultMaxCompressorInput = 32 * 1024 * 1024

	// DefaultMaxDecompressedLength caps the text returned by Decompress.
	DefaultMaxDecompressedLength = 256 * 1024

	// TruncationSentinel is appended whenever text had to be cut.
	TruncationSentinel = "\n\n*** Results have been truncated!"

	// NullResult is what a missing result decodes to.
	NullResult = "NULL response received"

	minLimit = 1024
)

// ErrMalformed marks input that is not a valid encoded result.
var ErrMalformed = errors.New("malformed compressed result")

// CodecError reports a compression or decompression failure.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("result codec %s failed: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Config holds the codec limits. All sizes are in bytes.
type Config struct {
	MaxEncodedLength      int `mapstructure:"max_encoded_length"`
	MaxCompressorInput    int `mapstructure:"max_compressor_input"`
	MaxDecompressedLength int `mapstructure:"max_decompressed_length"`
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxEncodedLength:      DefaultMaxEncodedLength,
		MaxCompressorInput:    DefaultMaxCompressorInput,
		MaxDecompressedLength: DefaultMaxDecompressedLength,
	}
}

// Codec is stateless and safe for concurrent use.
type Codec struct {
	cfg Config
}

var defaultCodec = &Codec{cfg: DefaultConfig()}

// Default returns a codec using DefaultConfig.
func Default() *Codec {
	return defaultCodec
}

// New validates cfg and returns a codec for it. Zero values take the
// defaults.
func New(cfg Config) (*Codec, error) {
	def := DefaultConfig()
	if cfg.MaxEncodedLength == 0 {
		cfg.MaxEncodedLength = def.MaxEncodedLength
	}
	if cfg.MaxCompressorInput == 0 {
		cfg.MaxCompressorInput = def.MaxCompressorInput
	}
	if cfg.MaxDecompressedLength == 0 {
		cfg.MaxDecompressedLength = def.MaxDecompressedLength
	}
	if cfg.MaxEncodedLength < minLimit || cfg.MaxCompressorInput < minLimit || cfg.MaxDecompressedLength < minLimit {
		return nil, fmt.Errorf("codec limits must be at least %d bytes: %+v", minLimit, cfg)
	}
	return &Codec{cfg: cfg}, nil
}

// Config returns the limits in use.
func (c *Codec) Config() Config {
	return c.cfg
}

// Compress encodes text. Text larger than the compressor input limit, or
// text whose encoding would not fit the encoded length limit, is cut to
// 90% of its size with the truncation sentinel appended until it fits.
func (c *Codec) Compress(text string) (string, error) {
	for len(text) > c.cfg.MaxCompressorInput {
		text = reduce(text)
	}
	for {
		encoded, err := encode(text)
		if err != nil {
			return "", &CodecError{Op: "compress", Err: err}
		}
		if len(encoded) < c.cfg.MaxEncodedLength {
			return encoded, nil
		}
		text = reduce(text)
	}
}

// Decompress restores text produced by Compress. Output longer than the
// decompressed length limit is cut at the limit and the truncation
// sentinel is appended.
func (c *Codec) Decompress(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &CodecError{Op: "decompress", Err: errors.Join(ErrMalformed, err)}
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", &CodecError{Op: "decompress", Err: errors.Join(ErrMalformed, err)}
	}
	defer func() { _ = zr.Close() }()

	limit := int64(c.cfg.MaxDecompressedLength)
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return "", &CodecError{Op: "decompress", Err: errors.Join(ErrMalformed, err)}
	}
	if int64(len(out)) <= limit {
		return string(out), nil
	}
	return cutAtRune(string(out), int(limit)) + TruncationSentinel, nil
}

// DecompressNullable is Decompress for a column that may be NULL.
func (c *Codec) DecompressNullable(encoded *string) (string, error) {
	if encoded == nil {
		return NullResult, nil
	}
	return c.Decompress(*encoded)
}

// Compress encodes text with the default codec.
func Compress(text string) (string, error) {
	return defaultCodec.Compress(text)
}

// Decompress decodes text with the default codec.
func Decompress(encoded string) (string, error) {
	return defaultCodec.Decompress(encoded)
}

func encode(text string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, text); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func reduce(text string) string {
	text = strings.TrimSuffix(text, TruncationSentinel)
	return cutAtRune(text, len(text)*9/10) + TruncationSentinel
}

// cutAtRune returns at most n bytes of s without splitting a UTF-8 sequence.
func cutAtRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
