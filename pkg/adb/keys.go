package adb

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/user"
	"path/filepath"

	"Droidlink/pkg/logging"
)

const (
	keyBits          = 2048
	modulusWords     = keyBits / 32
	androidPubKeyLen = 4 + 4 + keyBits/8 + keyBits/8 + 4
)

// KeyPair is the RSA key used to authenticate with devices. PublicPath holds
// the key in the format adbd stores in adb_keys.
type KeyPair struct {
	PrivatePath string
	PublicPath  string
	Private     *rsa.PrivateKey
}

// LoadOrCreateKeyPair loads the key at path (and path.pub), generating and
// persisting a new pair when the private key does not exist yet.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	kp := &KeyPair{PrivatePath: path, PublicPath: path + ".pub"}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := parsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("reading adb key %s: %w", path, err)
		}
		kp.Private = key
	case errors.Is(err, os.ErrNotExist):
		key, err := rsa.GenerateKey(rand.Reader, keyBits)
		if err != nil {
			return nil, fmt.Errorf("generating adb key: %w", err)
		}
		kp.Private = key
		if err := kp.writePrivate(); err != nil {
			return nil, err
		}
		logging.Info("adb").Str("path", path).Msg("Generated new adb key pair")
	default:
		return nil, fmt.Errorf("reading adb key %s: %w", path, err)
	}

	if _, err := os.Stat(kp.PublicPath); errors.Is(err, os.ErrNotExist) {
		if err := kp.writePublic(); err != nil {
			return nil, err
		}
	}
	return kp, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

func (kp *KeyPair) writePrivate() error {
	if err := os.MkdirAll(filepath.Dir(kp.PrivatePath), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("encoding adb key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(kp.PrivatePath, data, 0600); err != nil {
		return fmt.Errorf("writing adb key: %w", err)
	}
	return kp.writePublic()
}

func (kp *KeyPair) writePublic() error {
	encoded, err := AndroidPublicKey(&kp.Private.PublicKey)
	if err != nil {
		return err
	}
	line := base64.StdEncoding.EncodeToString(encoded) + " " + keyComment() + "\n"
	if err := os.WriteFile(kp.PublicPath, []byte(line), 0644); err != nil {
		return fmt.Errorf("writing adb public key: %w", err)
	}
	return nil
}

func keyComment() string {
	name := "droidlink"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return name + "@" + host
}

// AndroidPublicKey encodes pub in the little-endian layout adbd expects:
// modulus length in words, n0inv, modulus, R^2 mod n, exponent.
func AndroidPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != keyBits {
		return nil, fmt.Errorf("adb keys must be %d-bit RSA, got %d", keyBits, pub.N.BitLen())
	}

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	inv := new(big.Int).ModInverse(n0, r32)
	if inv == nil {
		return nil, errors.New("modulus is not invertible mod 2^32")
	}
	n0inv := new(big.Int).Sub(r32, inv)

	rr := new(big.Int).Exp(big.NewInt(2), big.NewInt(2*keyBits), pub.N)

	buf := make([]byte, androidPubKeyLen)
	binary.LittleEndian.PutUint32(buf[0:], modulusWords)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n0inv.Uint64()))
	putLittleEndian(buf[8:8+keyBits/8], pub.N)
	putLittleEndian(buf[8+keyBits/8:8+2*keyBits/8], rr)
	binary.LittleEndian.PutUint32(buf[8+2*keyBits/8:], uint32(pub.E))
	return buf, nil
}

func putLittleEndian(dst []byte, v *big.Int) {
	v.FillBytes(dst)
	for i, j := 0, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
}
