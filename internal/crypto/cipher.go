package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
)

// Encrypt seals plaintext under the 32-byte shared key, one AES block at
// a time. Input is padded to a 16-byte boundary with the pad-length byte
// repeated; block-aligned input gains a full padding block, so the
// ciphertext is always longer than the plaintext. Output is base64.
func Encrypt(keyB64, plaintext string) (string, error) {
	block, err := newBlockCipher(keyB64)
	if err != nil {
		return "", err
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	for i := len(plaintext); i < len(buf); i++ {
		buf[i] = byte(pad)
	}
	for i := 0; i < len(buf); i += aes.BlockSize {
		block.Encrypt(buf[i:i+aes.BlockSize], buf[i:i+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt reverses Encrypt and strips the padding indicated by the final
// byte. Fails with BadPadding when the ciphertext is not a positive
// multiple of the block size or the final byte is not in [1, 16].
func Decrypt(keyB64, cipherB64 string) (string, error) {
	block, err := newBlockCipher(keyB64)
	if err != nil {
		return "", err
	}

	buf, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", &Error{Kind: BadBase64, cause: err}
	}
	if len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return "", &Error{Kind: BadPadding}
	}
	for i := 0; i < len(buf); i += aes.BlockSize {
		block.Decrypt(buf[i:i+aes.BlockSize], buf[i:i+aes.BlockSize])
	}

	pad := int(buf[len(buf)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(buf) {
		return "", &Error{Kind: BadPadding}
	}
	return string(buf[:len(buf)-pad]), nil
}

func newBlockCipher(keyB64 string) (cipher.Block, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, &Error{Kind: BadBase64, cause: err}
	}
	if len(key) != 32 {
		return nil, &Error{Kind: BadKey}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Kind: BadKey, cause: err}
	}
	return block, nil
}
