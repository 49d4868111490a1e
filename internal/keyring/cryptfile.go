package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters, fixed for the file format.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	saltLen      = 16
	cryptVersion = 1
)

type cryptEnvelope struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// CryptFile is a password-protected secret store: AES-GCM over a JSON map
// keyed "owner.id", with the key derived from the password by scrypt.
type CryptFile struct {
	mu       sync.Mutex
	path     string
	password string
	secrets  map[string]string
}

// OpenCryptFile loads (or, if absent, creates empty) an encrypted keyring.
// A wrong password surfaces as a decryption error.
func OpenCryptFile(path, password string) (*CryptFile, error) {
	kr := &CryptFile{path: path, password: password, secrets: map[string]string{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", path, err)
	}

	var env cryptEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode keyring %s: %w", path, err)
	}
	if env.Version != cryptVersion {
		return nil, fmt.Errorf("keyring %s has version %d, want %d", path, env.Version, cryptVersion)
	}

	gcm, err := buildCipher(password, env.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("unlock keyring %s: %w", path, err)
	}
	if err := json.Unmarshal(plain, &kr.secrets); err != nil {
		return nil, fmt.Errorf("decode keyring contents: %w", err)
	}
	return kr, nil
}

func buildCipher(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive keyring key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (kr *CryptFile) Get(owner, id string) (string, bool, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	secret, found := kr.secrets[owner+"."+id]
	return secret, found, nil
}

// Set stores a secret in memory; Save persists it.
func (kr *CryptFile) Set(owner, id, secret string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.secrets[owner+"."+id] = secret
}

// Delete removes a secret in memory; Save persists the removal.
func (kr *CryptFile) Delete(owner, id string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.secrets, owner+"."+id)
}

// Save encrypts and writes the keyring with a fresh salt and nonce.
func (kr *CryptFile) Save() error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	plain, err := json.Marshal(kr.secrets)
	if err != nil {
		return fmt.Errorf("encode keyring contents: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate keyring salt: %w", err)
	}
	gcm, err := buildCipher(kr.password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate keyring nonce: %w", err)
	}

	env := cryptEnvelope{
		Version: cryptVersion,
		Salt:    salt,
		Nonce:   nonce,
		Data:    gcm.Seal(nil, nonce, plain, nil),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.WriteFile(kr.path, data, 0o600); err != nil {
		return fmt.Errorf("write keyring %s: %w", kr.path, err)
	}
	return nil
}
