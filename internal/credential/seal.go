package credential

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts blobs at rest to a single X25519 identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

func NewSealer(id *age.X25519Identity) *Sealer {
	return &Sealer{identity: id, recipient: id.Recipient()}
}

func GenerateSealer() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("credential: generate identity: %w", err)
	}
	return NewSealer(id), nil
}

// LoadSealer reads the first AGE-SECRET-KEY line of an age identity file.
func LoadSealer(path string) (*Sealer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpError{Op: "open identity", Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, &OpError{Op: "parse identity", Path: path, Err: err}
		}
		return NewSealer(id), nil
	}
	if err := sc.Err(); err != nil {
		return nil, &OpError{Op: "read identity", Path: path, Err: err}
	}
	return nil, &OpError{Op: "parse identity", Path: path, Err: io.ErrUnexpectedEOF}
}

// Recipient is the public key blobs are sealed to.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// String renders the secret identity in age's file format.
func (s *Sealer) String() string {
	return s.identity.String()
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("credential: seal: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("credential: seal: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("credential: seal: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("credential: open: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("credential: open: %w", err)
	}
	return out, nil
}
