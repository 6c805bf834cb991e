package kubernetes

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// SecretTLSProvider keeps the server certificate in a kubernetes.io/tls
// Secret, so every replica of a server shares one certificate.
type SecretTLSProvider struct {
	clientset  kubernetes.Interface
	namespace  string
	secretName string
}

func NewSecretTLSProvider(clientset kubernetes.Interface, namespace, secretName string) *SecretTLSProvider {
	return &SecretTLSProvider{
		clientset:  clientset,
		namespace:  namespace,
		secretName: secretName,
	}
}

// GetCertificate loads the key pair from the Secret. A missing Secret is
// reported as os.ErrNotExist.
func (p *SecretTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	secret, err := p.clientset.CoreV1().Secrets(p.namespace).Get(ctx, p.secretName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("secret %s/%s: %w", p.namespace, p.secretName, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", p.namespace, p.secretName, err)
	}

	certBytes, ok := secret.Data[corev1.TLSCertKey]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s missing %s", p.namespace, p.secretName, corev1.TLSCertKey)
	}
	keyBytes, ok := secret.Data[corev1.TLSPrivateKeyKey]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s missing %s", p.namespace, p.secretName, corev1.TLSPrivateKeyKey)
	}

	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse x509 key pair: %w", err)
	}

	return &cert, nil
}

// Store creates the Secret. It fails when the Secret already exists, so that
// replicas generating a certificate concurrently settle on the first one
// stored; the error then matches apierrors.IsAlreadyExists.
func (p *SecretTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("refusing to store invalid key pair: %w", err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.secretName,
			Namespace: p.namespace,
			Labels:    map[string]string{managedByLabel: "xsocket"},
		},
		Type: corev1.SecretTypeTLS,
		Data: tlsData(certPEM, keyPEM),
	}

	if _, err := p.clientset.CoreV1().Secrets(p.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create secret %s/%s: %w", p.namespace, p.secretName, err)
	}
	return nil
}

// Replace swaps the key pair of an existing Secret, creating it if it is
// gone. The update carries the resource version that was read, so a
// concurrent replacement by another replica fails with a conflict instead
// of being overwritten.
func (p *SecretTLSProvider) Replace(ctx context.Context, certPEM, keyPEM []byte) error {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("refusing to store invalid key pair: %w", err)
	}

	secrets := p.clientset.CoreV1().Secrets(p.namespace)
	current, err := secrets.Get(ctx, p.secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return p.Store(ctx, certPEM, keyPEM)
	}
	if err != nil {
		return fmt.Errorf("failed to get secret %s/%s: %w", p.namespace, p.secretName, err)
	}

	updated := current.DeepCopy()
	updated.Data = tlsData(certPEM, keyPEM)
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	updated.Labels[managedByLabel] = "xsocket"

	if _, err := secrets.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update secret %s/%s: %w", p.namespace, p.secretName, err)
	}
	return nil
}

func tlsData(certPEM, keyPEM []byte) map[string][]byte {
	return map[string][]byte{
		corev1.TLSCertKey:       certPEM,
		corev1.TLSPrivateKeyKey: keyPEM,
	}
}
