package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var errShortCiphertext = errors.New("ciphertext is not a whole number of blocks")

// AesCbc seals small secrets (relay tokens) for storage on disk. Every
// Encrypt call draws a fresh IV and prepends it to the ciphertext.
type AesCbc struct {
	cfg AesCbcConfig

	block cipher.Block
}

type AesCbcConfig struct {
	Key []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cfg:   cfg,
		block: block,
	}, nil
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	size := c.block.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	out := make([]byte, size+len(payload))

	iv := out[:size]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[size:], payload)

	return out, nil
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	size := c.block.BlockSize()

	if len(payload) < 2*size || len(payload)%size != 0 {
		return nil, errShortCiphertext
	}

	iv, body := payload[:size], payload[size:]
	decrypted := make([]byte, len(body))

	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(decrypted, body)

	return pkcs7pad.Unpad(decrypted)
}
