package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"time"
)

const (
	devCertFile = "dev_cert.pem"
	devKeyFile  = "dev_key.pem"
)

// generateSelfSignedTLSConfig 生成或加载自签名证书（仅用于开发环境）
func generateSelfSignedTLSConfig() (*tls.Config, error) {
	// 1. 尝试加载现有证书
	cert, err := tls.LoadX509KeyPair(devCertFile, devKeyFile)
	if err == nil {
		slog.Info("Loaded existing dev certificate", "cert", devCertFile)
		return devTLSConfig(cert), nil
	}

	// 2. 生成新证书
	slog.Info("Generating new dev certificate...")
	certPEM, keyPEM, err := selfSignedPEM([]string{"localhost"}, 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	// 3. 保存到文件
	if err := os.WriteFile(devCertFile, certPEM, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(devKeyFile, keyPEM, 0600); err != nil {
		return nil, err
	}
	slog.Info("Dev certificate saved", "cert", devCertFile, "key", devKeyFile)

	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return devTLSConfig(cert), nil
}

func devTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// selfSignedPEM 生成 P-256 自签名证书与私钥（PEM）
func selfSignedPEM(hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"chatsync dev"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour), // 容忍时钟偏差
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              hosts,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
