package app

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/credentials"

	"sagemaker-adapter/pkg/utils"
)

// GetCertPath 优先使用工作目录下 certs/ 中的证书，否则使用配置文件中的路径
func GetCertPath(cfg utils.SslConfig) (string, string, string) {
	currentPwd, _ := os.Getwd()
	logrus.Tracef("current pwd: %s", currentPwd)
	caCertPath := filepath.Join(currentPwd, "certs/ca.crt")
	adapterCertPath := filepath.Join(currentPwd, "certs/adapter.crt")
	adapterPrivateKeyPath := filepath.Join(currentPwd, "certs/adapter.key")

	for _, p := range []string{caCertPath, adapterCertPath, adapterPrivateKeyPath} {
		exists, err := pathExists(p)
		if err != nil || !exists {
			logrus.Tracef("cert %s unavailable, using configured paths", p)
			return cfg.CaCertPath, cfg.AdapterCertPath, cfg.AdapterPrivateKeyPath
		}
	}
	logrus.Tracef("cert pwd: %s, %s, %s", caCertPath, adapterCertPath, adapterPrivateKeyPath)
	return caCertPath, adapterCertPath, adapterPrivateKeyPath
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// serverCredentials 双向 TLS，客户端必须提供由 CA 签发的证书
func serverCredentials(cfg utils.SslConfig) (credentials.TransportCredentials, error) {
	caCertPath, adapterCertPath, adapterPrivateKeyPath := GetCertPath(cfg)
	pair, err := tls.LoadX509KeyPair(adapterCertPath, adapterPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load adapter key pair: %v", err)
	}
	// 创建一组根证书
	certPool := x509.NewCertPool()
	ca, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca pem: %v", err)
	}
	// 解析证书
	if ok := certPool.AppendCertsFromPEM(ca); !ok {
		return nil, fmt.Errorf("no certificate found in %s", caCertPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
