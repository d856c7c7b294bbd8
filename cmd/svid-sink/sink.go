package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/internal/config"
	"spiffe-workload-source/internal/metrics"
	"spiffe-workload-source/svid"
	"spiffe-workload-source/workloadapi"
)

// x509Provider is the slice of workloadapi.X509Source the sink reads from.
type x509Provider interface {
	GetX509Context() (*workloadapi.X509Context, error)
}

// jwtFetcher mints JWT-SVIDs on demand. Both workloadapi.Client and
// workloadapi.JWTSource satisfy it.
type jwtFetcher interface {
	FetchJWTSVID(ctx context.Context, params workloadapi.JWTSVIDParams) (*svid.JWTSVID, error)
}

// sink persists the configured identity documents to disk and refreshes them
// on an interval so files track SVID rotation.
type sink struct {
	logger hclog.Logger
	config config.Config
	x509   x509Provider
	jwt    jwtFetcher
}

// run writes all objects immediately and then on every tick until ctx is
// done. A failed sync is logged and retried on the next tick.
func (s *sink) run(ctx context.Context, interval time.Duration) {
	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "error", err)
			}
		}
	}
}

// syncOnce writes every configured object. Objects are independent; one
// failure does not stop the others.
func (s *sink) syncOnce(ctx context.Context) error {
	var firstErr error
	for _, object := range s.config.Objects {
		var err error
		switch object.Type {
		case config.ObjectTypeX509SVID:
			err = s.writeX509Object(object)
		case config.ObjectTypeJWTSVID:
			err = s.writeJWTObject(ctx, object)
		}

		if err != nil {
			s.logger.Error("failed to write object", "object", object.ObjectName, "error", err)
			metrics.SnapshotsWritten.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("object %q: %w", object.ObjectName, err)
			}
			continue
		}

		metrics.SnapshotsWritten.WithLabelValues("ok").Inc()
		s.logger.Debug("object written", "object", object.ObjectName, "type", object.Type)
	}
	return firstErr
}

func (s *sink) writeX509Object(object config.Object) error {
	x509Context, err := s.x509.GetX509Context()
	if err != nil {
		return err
	}

	def := x509Context.DefaultSVID()
	b, err := x509Context.Bundles.Get(def.ID.TrustDomain())
	if err != nil {
		return err
	}

	certPEM := encodeCertificates(def.Certificates)
	keyPEM, err := encodePrivateKey(def)
	if err != nil {
		return err
	}
	bundlePEM := encodeBundle(b)

	mode := s.config.Mode(object)
	if err := s.writeFile(object.Paths[0], certPEM, mode); err != nil {
		return err
	}
	if err := s.writeFile(object.Paths[1], keyPEM, mode); err != nil {
		return err
	}
	return s.writeFile(object.Paths[2], bundlePEM, mode)
}

func (s *sink) writeJWTObject(ctx context.Context, object config.Object) error {
	token, err := s.jwt.FetchJWTSVID(ctx, workloadapi.JWTSVIDParams{Audience: object.Audience})
	if err != nil {
		return err
	}
	return s.writeFile(object.Paths[0], []byte(token.Marshal()), s.config.Mode(object))
}

// writeFile writes under the output directory via a temp file and rename so
// readers never observe a partially written document.
func (s *sink) writeFile(relPath string, data []byte, mode os.FileMode) error {
	path := filepath.Join(s.config.OutputDir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".svid-sink-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func encodeCertificates(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

func encodePrivateKey(s *svid.X509SVID) ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

func encodeBundle(b *bundle.X509Bundle) []byte {
	return encodeCertificates(b.X509Authorities())
}
