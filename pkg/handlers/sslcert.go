package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

// SslCertificate is one certificate installed on a host.
type SslCertificate struct {
	ID         int
	Package    string
	Host       master.HostID
	KeyPath    string
	CertPath   string
	CommonName string
}

// SslCertificateHandler owns SSL certificates.
type SslCertificateHandler struct {
	deps Deps
}

// NewSslCertificateHandler creates the handler.
func NewSslCertificateHandler(deps Deps) *SslCertificateHandler {
	return &SslCertificateHandler{deps: deps}
}

// AddSslCertificate registers a certificate on a host and returns its id.
// Key and certificate paths must be absolute; the common name is unique per
// host.
func (h *SslCertificateHandler) AddSslCertificate(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, packageName string, host master.HostID, keyPath, certPath, commonName string) (int, error) {
	for _, path := range []string{keyPath, certPath} {
		if !strings.HasPrefix(path, "/") {
			return 0, &master.IntegrityError{
				Entity: fmt.Sprintf("ssl certificate %q", commonName),
				Rule:   fmt.Sprintf("path %q is not absolute", path),
			}
		}
	}
	if commonName == "" {
		return 0, &master.IntegrityError{
			Entity: "ssl certificate",
			Rule:   "common name is required",
		}
	}

	user := src.Username()
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "add_ssl_certificate", packageName)
	if err != nil {
		return 0, err
	}
	if err := h.deps.Resolver.CheckAccessHost(ctx, user, "add_ssl_certificate", host); err != nil {
		return 0, err
	}

	taken, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM ssl_certificates WHERE ao_server = $1 AND common_name = $2",
		int(host), commonName)
	if err != nil {
		return 0, err
	}
	if taken > 0 {
		return 0, &master.IntegrityError{
			Entity: fmt.Sprintf("ssl certificate %q", commonName),
			Rule:   fmt.Sprintf("common name already in use on server %d", host),
		}
	}

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO ssl_certificates (package, ao_server, key_path, cert_path, common_name) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		packageName, int(host), keyPath, certPath, commonName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ssl certificate: %w", err)
	}

	inv.AddTable(schema.TableSslCertificates, invalidate.Accounts(accounting), invalidate.Hosts(host), false)
	return id, nil
}

// RemoveSslCertificate deletes a certificate, blocked while any httpd site
// bind still serves it.
func (h *SslCertificateHandler) RemoveSslCertificate(ctx context.Context, tx *database.Tx, src master.RequestSource, inv *invalidate.List, certificate int) error {
	user := src.Username()
	var packageName string
	var hostID int
	if err := tx.QueryRowContext(ctx,
		"SELECT package, ao_server FROM ssl_certificates WHERE id = $1", certificate).Scan(&packageName, &hostID); err != nil {
		return fmt.Errorf("ssl certificate %d: %w", certificate, err)
	}
	accounting, err := checkAccessPackage(ctx, tx, h.deps.Resolver, user, "remove_ssl_certificate", packageName)
	if err != nil {
		return err
	}

	references, err := database.QueryInt(ctx, tx,
		"SELECT COUNT(*) FROM httpd_site_binds WHERE ssl_certificate = $1", certificate)
	if err != nil {
		return err
	}
	if references > 0 {
		return &master.IntegrityError{
			Entity: fmt.Sprintf("ssl certificate %d", certificate),
			Rule:   fmt.Sprintf("%d httpd site binds still present", references),
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ssl_certificates WHERE id = $1", certificate); err != nil {
		return fmt.Errorf("failed to delete ssl certificate: %w", err)
	}

	inv.AddTable(schema.TableSslCertificates, invalidate.Accounts(accounting), invalidate.Hosts(master.HostID(hostID)), false)
	return nil
}

// GetSslCertificatesForPackage lists the package's certificates.
func (h *SslCertificateHandler) GetSslCertificatesForPackage(ctx context.Context, q database.Queryer, src master.RequestSource, packageName string) ([]SslCertificate, error) {
	user := src.Username()
	if _, err := checkAccessPackage(ctx, q, h.deps.Resolver, user, "get_ssl_certificates", packageName); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		"SELECT id, ao_server, key_path, cert_path, common_name FROM ssl_certificates WHERE package = $1 ORDER BY common_name",
		packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to list ssl certificates: %w", err)
	}
	defer rows.Close()

	var out []SslCertificate
	for rows.Next() {
		var c SslCertificate
		var hostID int
		if err := rows.Scan(&c.ID, &hostID, &c.KeyPath, &c.CertPath, &c.CommonName); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		c.Package = packageName
		c.Host = master.HostID(hostID)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InvalidateTable is a no-op; the handler keeps no caches.
func (h *SslCertificateHandler) InvalidateTable(schema.TableID) {}
