// Package sha1 provides the content digest used to address uploaded files.
package sha1

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/errors"
)

// Size of a digest in bytes.
const Size = sha1.Size

type SHA1 [Size]byte

func Sum(data []byte) SHA1 { return sha1.Sum(data) } //nolint:gosec

func SumReader(r io.Reader) (SHA1, int64, error) {
	h := sha1.New() //nolint:gosec
	n, err := io.Copy(h, r)
	var out SHA1
	copy(out[:], h.Sum(nil))
	return out, n, errors.WithStack(err)
}

func SumFile(path string) (SHA1, error) {
	r, err := os.Open(path)
	if err != nil {
		return SHA1{}, errors.WithStack(err)
	}
	defer r.Close()
	out, _, err := SumReader(r)
	return out, err
}

func ParseSHA1(s string) (SHA1, error) {
	var out SHA1
	err := out.UnmarshalText([]byte(s))
	return out, err
}

func MustParseSHA1(s string) SHA1 {
	out, err := ParseSHA1(s)
	if err != nil {
		panic(err)
	}
	return out
}

func (s *SHA1) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != Size {
		return errors.Errorf("invalid sha1 digest %q: expected %d hex characters", text, hex.EncodedLen(Size))
	}
	_, err := hex.Decode(s[:], text)
	return errors.WithStack(err)
}
func (s SHA1) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s[:])), nil }
func (s SHA1) String() string               { return hex.EncodeToString(s[:]) }
func (s SHA1) GoString() string             { return strconv.Quote(hex.EncodeToString(s[:])) }
