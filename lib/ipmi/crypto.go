/* crypto.go: HMAC-SHA1 and AES-CBC-128 primitives for RMCP+ sessions
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"

	"github.com/pkg/errors"
)

// HMACSHA1 over the concatenation of data
func HMACSHA1(key []byte, data ...[]byte) []byte {
	h := hmac.New(sha1.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// AESPad appends pad bytes 1..N then N so the result is a multiple of the AES block size.
func AESPad(data []byte) []byte {
	n := (aes.BlockSize - (len(data)+1)%aes.BlockSize) % aes.BlockSize
	out := make([]byte, len(data), len(data)+n+1)
	copy(out, data)
	for i := 1; i <= n; i++ {
		out = append(out, uint8(i))
	}
	return append(out, uint8(n))
}

// AESUnpad strips the confidentiality trailer added by AESPad
func AESUnpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrBadPadding, "empty plaintext")
	}
	n := int(data[len(data)-1]) + 1
	if n > len(data) {
		return nil, errors.Wrapf(ErrBadPadding, "pad of %d bytes in %d byte plaintext", n, len(data))
	}
	return data[:len(data)-n], nil
}

// AESCBCEncrypt pads and encrypts plaintext under key with iv
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	padded := AESPad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext and strips the pad
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrBadPadding, "ciphertext of %d bytes", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return AESUnpad(out)
}
