package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/schema"
)

func TestAddSslCertificateRejectsRelativePath(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewSslCertificateHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	inv := invalidate.NewList()
	_, err := h.AddSslCertificate(ctx, nil, src, inv, "pkg1", 5, "etc/ssl/key.pem", "/etc/ssl/cert.pem", "www.example.com")
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "not absolute")

	_, err = h.AddSslCertificate(ctx, nil, src, inv, "pkg1", 5, "/etc/ssl/key.pem", "/etc/ssl/cert.pem", "")
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "common name is required")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAddSslCertificateCommonNameTaken(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewSslCertificateHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	tx := env.begin(t, ctx)
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ssl_certificates").
		WithArgs(5, "www.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	inv := invalidate.NewList()
	_, err := h.AddSslCertificate(ctx, tx, src, inv, "pkg1", 5, "/etc/ssl/key.pem", "/etc/ssl/cert.pem", "www.example.com")
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "common name already in use")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRemoveSslCertificateBlockedByBinds(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewSslCertificateHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	tx := env.begin(t, ctx)
	env.mock.ExpectQuery("SELECT package, ao_server FROM ssl_certificates").
		WithArgs(71).
		WillReturnRows(sqlmock.NewRows([]string{"package", "ao_server"}).AddRow("pkg1", 5))
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	env.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM httpd_site_binds").
		WithArgs(71).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	inv := invalidate.NewList()
	err := h.RemoveSslCertificate(ctx, tx, src, inv, 71)
	require.True(t, master.IsIntegrity(err), "got %v", err)
	assert.Contains(t, err.Error(), "httpd site binds")
	assert.False(t, inv.IsInvalid(schema.TableSslCertificates))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGetSslCertificatesForPackage(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewSslCertificateHandler(env.deps)
	ctx := context.Background()
	src := master.StaticSource{User: "op"}

	tx := env.begin(t, ctx)
	expectPackageAccounting(env.mock, "pkg1", "A")
	expectUnrestrictedMaster(env.mock, "op", "A")
	env.mock.ExpectQuery("SELECT id, ao_server, key_path, cert_path, common_name FROM ssl_certificates").
		WithArgs("pkg1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ao_server", "key_path", "cert_path", "common_name"}).
			AddRow(71, 5, "/etc/ssl/a.key", "/etc/ssl/a.pem", "a.example.com").
			AddRow(72, 5, "/etc/ssl/b.key", "/etc/ssl/b.pem", "b.example.com"))

	certs, err := h.GetSslCertificatesForPackage(ctx, tx, src, "pkg1")
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "a.example.com", certs[0].CommonName)
	assert.Equal(t, master.HostID(5), certs[1].Host)
	assert.Equal(t, "pkg1", certs[1].Package)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
