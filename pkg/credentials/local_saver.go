// LocalSaver encrypts the relay access token using Crypto and writes the result
// to a local file named TokenFile (see: SaveToken()).
//
// It also decrypts the content of TokenFile and returns the token (see: Token()).
//
// The plaintext stored in TokenFile is presented as "${len(token)}${token}" with
// a big-endian uint16 length (see: writeToken() and readToken()).

package credentials

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

var (
	ErrEmptyToken   = errors.New("relay token is empty")
	errTokenTooLong = errors.New("relay token is too long")
)

type LocalSaver struct {
	cfg LocalSaverConfig

	crypto Crypto
}

type LocalSaverConfig struct {
	TokenFile string
}

func NewLocalSaver(cfg LocalSaverConfig, crypto Crypto) *LocalSaver {
	return &LocalSaver{
		cfg:    cfg,
		crypto: crypto,
	}
}

func (m *LocalSaver) SaveToken(token string) error {
	if len(token) == 0 {
		return ErrEmptyToken
	}

	buf := &bytes.Buffer{}

	if err := m.writeToken(buf, token); err != nil {
		return err
	}

	encrypted, err := m.crypto.Encrypt(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "encrypt token")
	}

	return os.WriteFile(m.cfg.TokenFile, encrypted, 0600)
}

func (m *LocalSaver) Token() (string, error) {
	payload, err := os.ReadFile(m.cfg.TokenFile)
	if err != nil {
		return "", err
	}

	decrypted, err := m.crypto.Decrypt(payload)
	if err != nil {
		return "", errors.Wrap(err, "decrypt token")
	}

	token, err := m.readToken(bytes.NewReader(decrypted))
	if err != nil {
		return "", err
	}

	if len(token) == 0 {
		return "", ErrEmptyToken
	}

	return token, nil
}

func (m *LocalSaver) writeToken(w io.Writer, token string) error {
	b := []byte(token)

	if len(b) > math.MaxUint16 {
		return errTokenTooLong
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, b)
}

func (m *LocalSaver) readToken(r io.Reader) (string, error) {
	var length uint16

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)

	if err := binary.Read(r, binary.BigEndian, b); err != nil {
		return "", err
	}

	return string(b), nil
}
