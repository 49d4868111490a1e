// Package keyring resolves the secrets handlers and modules declare via
// the credentials contract. Two backends exist: plain process environment
// variables, and an encrypted file unlocked by KEYRING_CRYPTFILE_PASSWORD.
package keyring

import (
	"fmt"
	"os"
	"strings"
)

const (
	// CryptPasswordEnv selects the encrypted-file backend when set.
	CryptPasswordEnv = "KEYRING_CRYPTFILE_PASSWORD"

	// CryptFileEnv overrides the encrypted keyring file location.
	CryptFileEnv = "CORRELATOR_KEYRING_FILE"

	defaultCryptFile = ".correlator-keyring"
)

// Provider looks up one secret. found is false when the credential is not
// provisioned; err reports backend failures only.
type Provider interface {
	Get(owner, id string) (secret string, found bool, err error)
}

// FromEnvironment picks the backend: the encrypted file when
// KEYRING_CRYPTFILE_PASSWORD is set, plain environment variables
// otherwise.
func FromEnvironment() (Provider, error) {
	password := os.Getenv(CryptPasswordEnv)
	if password == "" {
		return EnvProvider{}, nil
	}
	path := os.Getenv(CryptFileEnv)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory for keyring: %w", err)
		}
		path = home + string(os.PathSeparator) + defaultCryptFile
	}
	return OpenCryptFile(path, password)
}

// EnvProvider reads secrets from CORRELATOR_SECRET_<OWNER>_<ID>.
type EnvProvider struct{}

func (EnvProvider) Get(owner, id string) (string, bool, error) {
	secret, found := os.LookupEnv(envKey(owner, id))
	return secret, found, nil
}

func envKey(owner, id string) string {
	mangle := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(s) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		}
		return b.String()
	}
	return fmt.Sprintf("CORRELATOR_SECRET_%s_%s", mangle(owner), mangle(id))
}
