package device

import (
	"crypto/md5"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// loadCertificate reads the first PEM certificate from path.
func loadCertificate(path string) (*x509.Certificate, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, nil, fmt.Errorf("%s contains no PEM certificate", path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, pem.EncodeToMemory(block), nil
	}
}

// SubjectHashOld returns the name Android expects for a system CA file: the
// OpenSSL subject_hash_old of the certificate followed by ".0".
func SubjectHashOld(cert *x509.Certificate) (string, error) {
	if cert == nil || len(cert.RawSubject) == 0 {
		return "", errors.New("certificate has no subject")
	}
	sum := md5.Sum(cert.RawSubject)
	return fmt.Sprintf("%08x.0", binary.LittleEndian.Uint32(sum[:4])), nil
}
