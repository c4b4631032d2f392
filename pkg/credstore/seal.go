package credstore

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"go.uber.org/zap"
)

// ErrCorrupt marks a sealed credential file that no longer decrypts with
// the machine's sealing key. Recovery requires re-registering the agent.
var ErrCorrupt = errors.New("credentials corrupted or sealing key changed")

// sealer wraps Fernet encryption with a keyring-held key. The token format
// is shared with the control plane's other SDKs, so a credential file
// written by one of them opens here and vice versa.
type sealer struct {
	key *fernet.Key
}

// newSealer loads the sealing key from the keyring, generating and storing
// a fresh one on first use.
func newSealer(kr Keyring, log *zap.Logger) (*sealer, error) {
	encoded, err := kr.Get(ServiceName, KeyName)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		var key fernet.Key
		if genErr := key.Generate(); genErr != nil {
			return nil, fmt.Errorf("generate sealing key: %w", genErr)
		}
		encoded = key.Encode()
		if setErr := kr.Set(ServiceName, KeyName, encoded); setErr != nil {
			return nil, fmt.Errorf("store sealing key: %w", setErr)
		}
		log.Info("generated new credential sealing key")
	case err != nil:
		return nil, fmt.Errorf("access system keyring: %w", err)
	}

	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	return &sealer{key: key}, nil
}

// Seal encrypts plaintext into a Fernet token.
func (s *sealer) Seal(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	return tok, nil
}

// Open decrypts a Fernet token. Tokens do not expire; validity is bound to
// the key alone.
func (s *sealer) Open(token []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{s.key})
	if msg == nil {
		return nil, fmt.Errorf("%w: re-register the agent to restore access", ErrCorrupt)
	}
	return msg, nil
}
