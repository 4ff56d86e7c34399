// Package security issues and verifies the mutual-TLS certificates
// that protect the datanode<->SCM and client<->SCM RPC surfaces (§6):
// a per-cluster root CA, short-lived node/client leaf certificates
// signed by it, and the on-disk cert-directory layout the RPC layer
// and CLI expect to find them in.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
)

// CertAuthority manages the cluster's certificate authority. One
// instance is created per SCM replica; its root key is persisted
// (encrypted) in the `meta` table of that replica's Persistent KV
// Store so a restart doesn't re-issue the whole cluster's trust root.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	kv        store.KV
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously issued certificate held in memory.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// caData is the serialized CA material persisted to the KV store.
type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte // encrypted with security.Encrypt
}

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize = 4096
	nodeKeySize = 2048

	caMetaKey = "ca_root"
)

// NewCertAuthority constructs a CA persisted through kv.
func NewCertAuthority(kv store.KV) *CertAuthority {
	return &CertAuthority{kv: kv, certCache: make(map[string]*CachedCert)}
}

// Initialize generates a fresh root CA certificate and key.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("%w: generating root key: %v", scmerr.ErrSecurityInitFailed, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: generating serial number: %v", scmerr.ErrSecurityInitFailed, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SCM Cluster"},
			CommonName:   "SCM Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("%w: creating root certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: parsing root certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously initialized CA from the KV store.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	raw, err := ca.kv.Get(store.TableMeta, []byte(caMetaKey))
	if err != nil {
		return fmt.Errorf("%w: loading CA from store: %v", scmerr.ErrSecurityInitFailed, err)
	}

	var data caData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: unmarshal CA data: %v", scmerr.ErrSecurityInitFailed, err)
	}

	decryptedKey, err := Decrypt(data.RootKeyDER)
	if err != nil {
		return fmt.Errorf("%w: decrypting root key: %v", scmerr.ErrSecurityInitFailed, err)
	}
	rootCert, err := x509.ParseCertificate(data.RootCertDER)
	if err != nil {
		return fmt.Errorf("%w: parsing root certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("%w: parsing root key: %v", scmerr.ErrSecurityInitFailed, err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA's root cert and (encrypted) key.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("%w: CA not initialized", scmerr.ErrSecurityInitFailed)
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("%w: encrypting root key: %v", scmerr.ErrSecurityInitFailed, err)
	}

	data := caData{RootCertDER: ca.rootCert.Raw, RootKeyDER: encryptedKey}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: marshal CA data: %v", scmerr.ErrSecurityInitFailed, err)
	}

	if err := ca.kv.Put(store.TableMeta, []byte(caMetaKey), raw); err != nil {
		return fmt.Errorf("%w: saving CA to store: %v", scmerr.ErrSecurityInitFailed, err)
	}
	return nil
}

// IssueNodeCertificate issues a leaf certificate for a datanode or SCM
// replica, identified by role ("datanode" or "scm") and id.
func (ca *CertAuthority) IssueNodeCertificate(nodeID, role string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("%w: CA not initialized", scmerr.ErrSecurityInitFailed)
	}

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: generating node key: %v", scmerr.ErrSecurityInitFailed, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial number: %v", scmerr.ErrSecurityInitFailed, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SCM Cluster"},
			CommonName:   fmt.Sprintf("%s-%s", role, nodeID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &nodeKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("%w: creating node certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}
	nodeCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing node certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}

	tlsCert := &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: nodeKey, Leaf: nodeCert}
	ca.cacheCertificate(nodeID, nodeCert, nodeKey)
	return tlsCert, nil
}

// IssueClientCertificate issues a certificate for an admin CLI client.
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("%w: CA not initialized", scmerr.ErrSecurityInitFailed)
	}

	clientKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: generating client key: %v", scmerr.ErrSecurityInitFailed, err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial number: %v", scmerr.ErrSecurityInitFailed, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SCM Cluster"},
			CommonName:   fmt.Sprintf("cli-%s", clientID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &clientKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}
	clientCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing client certificate: %v", scmerr.ErrSecurityInitFailed, err)
	}

	tlsCert := &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: clientKey, Leaf: clientCert}
	ca.cacheCertificate(clientID, clientCert, clientKey)
	return tlsCert, nil
}

// VerifyCertificate checks cert against the root CA.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("%w: CA not initialized", scmerr.ErrSecurityInitFailed)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER form.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{Cert: cert, Key: key, IssuedAt: cert.NotBefore, ExpiresAt: cert.NotAfter}
}

func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, exists := ca.certCache[id]
	return cert, exists
}
